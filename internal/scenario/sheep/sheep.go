// Package sheep frames the commons game as shepherds sharing a pasture.
package sheep

import (
	"context"
	"fmt"
	"strings"

	"govsim/internal/config"
	"govsim/internal/scenario/commons"
)

// Name is the experiment.scenario value selecting this scenario.
const Name = "sheep"

// Definition returns the grazing narrative.
func Definition() commons.Definition {
	return commons.Definition{
		Name: Name,
		System: func(persona string, others []string, env config.EnvConfig) string {
			return fmt.Sprintf("You are %s, a shepherd. Every month you take a flock of sheep to graze on a common pasture, "+
				"together with the flocks of %s. The pasture can hold at most %.0f hectares of grass. "+
				"Each month, each shepherd decides how many flocks to send; one flock eats one hectare of grass. "+
				"Afterwards the remaining grass regrows, multiplying by %.1f up to the pasture's capacity. "+
				"Each flock you graze earns one thousand dollars. "+
				"Each shepherd's goal is to optimize their income in the long run over many months.",
				persona, strings.Join(others, ", "), env.Capacity, env.RegenFactor)
		},
		Status: func(stock int) string {
			return fmt.Sprintf("It is the beginning of the month. The pasture has %d hectares of grass.", stock)
		},
		Question: func(stock int) string {
			return fmt.Sprintf("How many flocks of sheep do you choose to take to the pasture this month? "+
				"Reply with an integer between 0 and %d, formatted as \"Answer: N\".", stock)
		},
		Universalization: func(limit int) string {
			return fmt.Sprintf("Given the current situation, if each shepherd takes more than %d flocks, "+
				"the grass will shrink next month.", limit)
		},
		Memory: func(round, before, took, total, after int) string {
			return fmt.Sprintf("Month %d: the pasture had %d hectares of grass. "+
				"I grazed %d flocks; all shepherds grazed %d flocks, leaving %d hectares.",
				round+1, before, took, total, after)
		},
		Query: "How much grass is on the pasture and how many flocks should I send?",
	}
}

// Run plays the sheep scenario.
func Run(ctx context.Context, env commons.Env) error {
	_, err := commons.Run(ctx, env, Definition())
	return err
}
