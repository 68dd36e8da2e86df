// Package commons 实现三个场景共用的公共资源博弈引擎。
//
// 每一轮中，所有 agent 看到当前资源量与各自检索到的记忆后给出索取数量；
// 索取按种子随机顺序结算，不能超过剩余量；剩余资源按再生系数增长并受容量限制。
// 资源在结算后低于崩溃阈值时模拟提前结束。
package commons
