package main

import (
	"context"

	"goexp/app"
	"goexp/domain/bandit"
	"goexp/internal"
	"goexp/internal/container"
	"goexp/internal/rng"
	"goexp/internal/testkit"

	"github.com/spf13/cobra"
)

type policyFlags struct {
	name        string
	epsilon     float64
	temperature float64
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "policy", string(bandit.AlgorithmThompson),
		"Selection policy: thompson_sampling, ucb, epsilon_greedy or softmax")
	cmd.Flags().Float64Var(&f.epsilon, "epsilon", bandit.DefaultEpsilon, "Exploration rate for epsilon_greedy")
	cmd.Flags().Float64Var(&f.temperature, "temperature", bandit.DefaultTemperature, "Temperature for softmax")
}

func (f *policyFlags) policy() (bandit.Policy, error) {
	return bandit.ParsePolicy(f.name, map[string]float64{
		"epsilon":     f.epsilon,
		"temperature": f.temperature,
	})
}

func newRecommendCmd() *cobra.Command {
	var pf policyFlags

	cmd := &cobra.Command{
		Use:   "recommend <experiment-id>",
		Short: "Pick the next arm of a running bandit experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			policy, err := pf.policy()
			if err != nil {
				return err
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				rec, err := c.Engine.GetBanditRecommendation(ctx, id, policy)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}

	pf.register(cmd)
	return cmd
}

func newRewardCmd() *cobra.Command {
	var value float64

	cmd := &cobra.Command{
		Use:   "reward <variant-id>",
		Short: "Report the reward observed for a recommended arm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				v, err := c.Engine.ReportBanditReward(ctx, id, value)
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}

	cmd.Flags().Float64Var(&value, "value", 1, "Reward; anything above 0 counts as a success")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	var pf policyFlags
	var rates []float64
	var rounds, runs int
	var seed uint64

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Evaluate a policy offline against arms with known rates",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := pf.policy()
			if err != nil {
				return err
			}
			svc := app.NewBanditService(nil, nil, rng.NewFactory(seed), internal.DefaultLogger)
			result, err := svc.Simulate(policy, bandit.SimulationConfig{TrueRates: rates, Rounds: rounds, Runs: runs})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	pf.register(cmd)
	cmd.Flags().Float64SliceVar(&rates, "rates", []float64{0.05, 0.10}, "True success rate per arm")
	cmd.Flags().IntVar(&rounds, "rounds", 1000, "Pulls per run")
	cmd.Flags().IntVar(&runs, "runs", 100, "Independent runs to average")
	cmd.Flags().Uint64Var(&seed, "seed", 42, "Random seed")

	return cmd
}

func newTrafficCmd() *cobra.Command {
	var visitors int
	var rawRates, prefix string
	var addToCart float64

	cmd := &cobra.Command{
		Use:   "traffic <experiment-id>",
		Short: "Send synthetic visitors through a running experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rates, err := parseRates(rawRates)
			if err != nil {
				return err
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				gen := testkit.NewTrafficGenerator(testkit.TrafficConfig{
					Visitors:      visitors,
					TrueRates:     rates,
					AddToCartRate: addToCart,
					KeyPrefix:     prefix,
				}, c.RNG.Named("traffic:"+id.String()))
				summary, err := gen.Run(ctx, c.Engine, id)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}

	cmd.Flags().IntVar(&visitors, "visitors", 1000, "Number of visitors")
	cmd.Flags().StringVar(&rawRates, "rates", "", "Conversion rate per variant name, e.g. control=0.10,treatment=0.12")
	cmd.Flags().Float64Var(&addToCart, "add-to-cart", 0, "Share of converters that also add_to_cart")
	cmd.Flags().StringVar(&prefix, "prefix", "visitor", "Subject id prefix")
	cmd.MarkFlagRequired("rates")

	return cmd
}
