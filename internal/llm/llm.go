package llm

import "context"

// Request 描述一次发送给大模型的补全请求。
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	TopP        float64
	Seed        int64
	MaxTokens   int
	Stop        []string
}

// Response 是大模型返回的文本以及用量信息。
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Named 由能够报告自身模型标识的客户端实现。
type Named interface {
	ModelName() string
}

// NameOf 返回客户端的模型标识，无法识别时返回 "unknown"。
func NameOf(client Client) string {
	if named, ok := client.(Named); ok && named.ModelName() != "" {
		return named.ModelName()
	}
	return "unknown"
}
