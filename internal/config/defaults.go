package config

const (
	defaultLogDir      = "~/.local/share/runnerd/logs"
	defaultDataDir     = "~/.local/share/runnerd/data"
	defaultSuiteRoot   = "~/churn-suite"
	defaultAPIBind     = "127.0.0.1:5050"
	defaultInterpreter = "python3"
	defaultTimeout     = 3600
	defaultGracePeriod = 5
	defaultLogFormat   = "console"
	defaultLogLevel    = "info"
	defaultBufferLines = 1000
	defaultTailLines   = 20
	defaultHistoryKeep = 200
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir:    defaultLogDir,
			DataDir:   defaultDataDir,
			SuiteRoot: defaultSuiteRoot,
			APIBind:   defaultAPIBind,
		},
		Pipeline: Pipeline{
			Interpreter: defaultInterpreter,
			Scripts: map[string]string{
				"churn":           "bl-churn/churn_cli.py",
				"cox":             "bl-cox/cox_cli.py",
				"shap":            "bl-shap/shap_cli.py",
				"counterfactuals": "bl-counterfactuals/counterfactuals_cli.py",
			},
			Timeout:     defaultTimeout,
			GracePeriod: defaultGracePeriod,
		},
		Logging: Logging{
			Format:      defaultLogFormat,
			Level:       defaultLogLevel,
			BufferLines: defaultBufferLines,
			TailLines:   defaultTailLines,
		},
		History: History{
			Enabled: true,
			Keep:    defaultHistoryKeep,
		},
	}
}
