// Package inquest is the agent execution and sandbox orchestration layer of
// an incident investigation platform. It turns hierarchical tenant
// configuration into runnable agents (config, agent, registry), executes
// them with timeout/retry/interrupt discipline (runner, session), and gives
// each investigation thread an isolated, TTL-bound sandbox to run tooling in
// (sandbox, router). The server package exposes the HTTP surface; audit and
// observe provide run records and telemetry.
package inquest

import (
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/inquestlabs/inquest/agent"
	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/model"
	"github.com/inquestlabs/inquest/model/anthropic"
	"github.com/inquestlabs/inquest/model/openai"
)

// Version is the module version reported by the CLIs.
const Version = "0.3.0"

// DefaultModelFactory maps configured model parameters onto provider
// adapters. Anthropic is the default provider; "mock" yields a deterministic
// in-memory model for tests and dry runs.
func DefaultModelFactory() agent.ModelFactory {
	return func(params config.ModelParams) (model.Model, error) {
		switch params.Provider {
		case "", "anthropic":
			return anthropic.NewModel(func(o *anthropic.Options) {
				if params.Name != "" {
					o.Model = sdk.Model(params.Name)
				}
				if params.Temperature > 0 {
					o.Temperature = params.Temperature
				}
				if params.MaxTokens > 0 {
					o.MaxTokens = int64(params.MaxTokens)
				}
			}), nil
		case "openai":
			return openai.NewModel(func(o *openai.Options) {
				if params.Name != "" {
					o.Model = params.Name
				}
				if params.Temperature > 0 {
					o.Temperature = params.Temperature
				}
				if params.MaxTokens > 0 {
					o.MaxCompletionTokens = int64(params.MaxTokens)
				}
			}), nil
		case "mock":
			return model.NewMockModel(params.Name, "mock"), nil
		default:
			return nil, fmt.Errorf("unknown model provider %q", params.Provider)
		}
	}
}
