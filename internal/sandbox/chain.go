package sandbox

import "log/slog"

// ChainConfig selects and configures the strategy chain.
type ChainConfig struct {
	Isolation        bool // Try isolated strategies first.
	RequireIsolation bool // Never fall back to local execution.
	UseSDK           bool
	UseCLI           bool
	Container        ContainerConfig
	Host             string
	FallbackHost     string
	CLIBinary        string
	WorkingDir       string
}

// BuildChain returns the strategies for cfg in the order they are tried:
// Engine API, docker CLI, then local unless isolation is required.
// With isolation disabled the chain is local only.
func BuildChain(cfg ChainConfig, logger *slog.Logger) []Strategy {
	local := NewLocalStrategy(LocalConfig{WorkingDir: cfg.WorkingDir}, logger)
	if !cfg.Isolation {
		return []Strategy{local}
	}

	var chain []Strategy
	if cfg.UseSDK {
		chain = append(chain, NewEngineStrategy(EngineConfig{
			ContainerConfig: cfg.Container,
			Host:            cfg.Host,
			FallbackHost:    cfg.FallbackHost,
		}, logger))
	}
	if cfg.UseCLI {
		chain = append(chain, NewCLIStrategy(CLIConfig{
			ContainerConfig: cfg.Container,
			Binary:          cfg.CLIBinary,
		}, logger))
	}
	if !cfg.RequireIsolation {
		chain = append(chain, local)
	}
	return chain
}
