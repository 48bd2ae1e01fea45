package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alptrack/alptrack/internal/retry"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
)

// LearningAlgorithm names the optimization algorithm driving the loop
type LearningAlgorithm string

const (
	AlgorithmGradientDescent LearningAlgorithm = "gradient_descent"
	AlgorithmAdam            LearningAlgorithm = "adam"
	AlgorithmSGD             LearningAlgorithm = "stochastic_gradient_descent"
	AlgorithmReinforcement   LearningAlgorithm = "reinforcement"
)

type GlobalConfig struct {
	LogDir      string            `koanf:"log_directory"`
	StateDir    string            `koanf:"state_directory"`
	RegistryDir string            `koanf:"registry_directory"`
	DiskBuffer  DiskBufferSetting `koanf:"disk_buffer"`
}

type DiskBufferSetting struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type StepConfig struct {
	Command     []string          `koanf:"command"`
	WorkDir     string            `koanf:"work_dir"`
	Timeout     time.Duration     `koanf:"timeout"`
	Environment map[string]string `koanf:"environment"`
}

type RetryConfig struct {
	MaxRetries   int           `koanf:"max_retries"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	Strategy     string        `koanf:"strategy"`
}

type RunConfig struct {
	ID                   string       `koanf:"id"`
	PerformanceThreshold float64      `koanf:"performance_threshold"`
	AbortOnError         bool         `koanf:"abort_on_error"`
	StreamFile           string       `koanf:"stream_file"`
	Step                 StepConfig   `koanf:"step"`
	Retry                RetryConfig  `koanf:"retry"`
	Sinks                []SinkConfig `koanf:"sinks"`
}

type IterationConfig struct {
	MaxIterations          int      `koanf:"max_iterations"`
	EarlyStoppingTolerance float64  `koanf:"early_stopping_tolerance"`
	GradientClipValue      *float64 `koanf:"gradient_clip_value"`
}

type HyperparameterConfig struct {
	LearningRate         float64 `koanf:"learning_rate"`
	BatchSize            int     `koanf:"batch_size"`
	RegularizationLambda float64 `koanf:"regularization_lambda"`
}

type ModelConfig struct {
	HiddenLayers       []int   `koanf:"hidden_layers"`
	ActivationFunction string  `koanf:"activation_function"`
	DropoutRate        float64 `koanf:"dropout_rate"`
}

type LearningConfig struct {
	Algorithm          LearningAlgorithm    `koanf:"algorithm"`
	Iteration          IterationConfig      `koanf:"iteration"`
	Hyperparameters    HyperparameterConfig `koanf:"hyperparameters"`
	Model              ModelConfig          `koanf:"model"`
	PerformanceMetrics []string             `koanf:"performance_metrics"`
	RandomSeed         *int64               `koanf:"random_seed"`
	CustomParameters   map[string]any       `koanf:"custom_parameters"`
}

type AnalysisConfig struct {
	ScorePath  string `koanf:"score_path"`
	ReportFile string `koanf:"report_file"`
	Schedule   string `koanf:"schedule"`
}

type Config struct {
	GlobalConfig GlobalConfig   `koanf:"global"`
	Run          RunConfig      `koanf:"run"`
	Learning     LearningConfig `koanf:"learning"`
	Analysis     AnalysisConfig `koanf:"analysis"`

	raw *koanf.Koanf
}

const (
	DefaultConfigPath = "alptrack.yaml"
)

var defaultConfig = map[string]interface{}{
	"global.log_directory":                           "logs",
	"global.state_directory":                         "iteration_states",
	"global.registry_directory":                      ".",
	"run.performance_threshold":                      0.95,
	"run.step.timeout":                               "5m",
	"run.retry.max_retries":                          3,
	"run.retry.initial_delay":                        "1s",
	"run.retry.strategy":                             "exponential",
	"learning.algorithm":                             "adam",
	"learning.iteration.max_iterations":              1000,
	"learning.iteration.early_stopping_tolerance":    1e-4,
	"learning.hyperparameters.learning_rate":         0.01,
	"learning.hyperparameters.batch_size":            32,
	"learning.hyperparameters.regularization_lambda": 0.01,
	"learning.model.hidden_layers":                   []int{64, 32},
	"learning.model.activation_function":             "relu",
	"learning.model.dropout_rate":                    0.2,
	"learning.performance_metrics":                   []string{"accuracy", "loss"},
	"analysis.score_path":                            "performance_score",
}

// Environment variables recognized as configuration overrides, mapped
// to their config paths
var envOverrides = map[string]string{
	"ALP_LEARNING_ALGORITHM":    "learning.algorithm",
	"ALP_MAX_ITERATIONS":        "learning.iteration.max_iterations",
	"ALP_LEARNING_RATE":         "learning.hyperparameters.learning_rate",
	"ALP_BATCH_SIZE":            "learning.hyperparameters.batch_size",
	"ALP_PERFORMANCE_THRESHOLD": "run.performance_threshold",
	"ALP_RANDOM_SEED":           "learning.random_seed",
	"ALP_CUSTOM_PARAMETERS":     "learning.custom_parameters",
}

// NewConfig layers configuration from defaults, an optional YAML file
// and ALP_* environment variables, in ascending precedence
func NewConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfig, "."), nil); err != nil {
		return nil, err
	}

	// A missing config file leaves defaults and env in charge
	if _, err := os.Stat(configPath); err == nil {
		if err = k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", configPath, err)
		}
	}

	overrides, err := loadEnvOverrides()
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		if err = k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, err
		}
	}

	config := Config{raw: k}
	err = k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &config,
			WeaklyTypedInput: true,
			// Unexpected keys are configuration mistakes, not noise
			ErrorUnused: true,
			DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("malformed configuration: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func loadEnvOverrides() (map[string]interface{}, error) {
	overrides := make(map[string]interface{})

	for envVar, configPath := range envOverrides {
		raw, ok := os.LookupEnv(envVar)
		if !ok {
			continue
		}

		switch envVar {
		case "ALP_MAX_ITERATIONS", "ALP_BATCH_SIZE":
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid integer value for %s: %q", envVar, raw)
			}
			overrides[configPath] = parsed
		case "ALP_LEARNING_RATE", "ALP_PERFORMANCE_THRESHOLD":
			parsed, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid float value for %s: %q", envVar, raw)
			}
			overrides[configPath] = parsed
		case "ALP_RANDOM_SEED":
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid integer value for %s: %q", envVar, raw)
			}
			overrides[configPath] = parsed
		case "ALP_CUSTOM_PARAMETERS":
			parsed := map[string]any{}
			if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
				return nil, fmt.Errorf("invalid JSON value for %s: %w", envVar, err)
			}
			overrides[configPath] = parsed
		default:
			overrides[configPath] = raw
		}
	}

	return overrides, nil
}

// Validate enforces the constraints each configuration section carries
func (c *Config) Validate() error {
	switch c.Learning.Algorithm {
	case AlgorithmGradientDescent, AlgorithmAdam, AlgorithmSGD, AlgorithmReinforcement:
	default:
		return fmt.Errorf("unknown learning algorithm %q", c.Learning.Algorithm)
	}

	if c.Learning.Iteration.MaxIterations <= 0 {
		return fmt.Errorf("learning.iteration.max_iterations must be greater than 0")
	}
	if c.Learning.Iteration.EarlyStoppingTolerance < 0 {
		return fmt.Errorf("learning.iteration.early_stopping_tolerance must be greater than or equal to 0")
	}
	if clip := c.Learning.Iteration.GradientClipValue; clip != nil && *clip < 0 {
		return fmt.Errorf("learning.iteration.gradient_clip_value must be greater than or equal to 0")
	}
	if c.Learning.Hyperparameters.LearningRate <= 0 {
		return fmt.Errorf("learning.hyperparameters.learning_rate must be greater than 0")
	}
	if c.Learning.Hyperparameters.BatchSize <= 0 {
		return fmt.Errorf("learning.hyperparameters.batch_size must be greater than 0")
	}
	if c.Learning.Hyperparameters.RegularizationLambda < 0 {
		return fmt.Errorf("learning.hyperparameters.regularization_lambda must be greater than or equal to 0")
	}
	if rate := c.Learning.Model.DropoutRate; rate < 0 || rate >= 1 {
		return fmt.Errorf("learning.model.dropout_rate must be within [0, 1)")
	}

	if c.Run.PerformanceThreshold <= 0 || c.Run.PerformanceThreshold > 1 {
		return fmt.Errorf("run.performance_threshold must be within (0, 1]")
	}
	if c.Run.Retry.MaxRetries < 1 {
		return fmt.Errorf("run.retry.max_retries must be at least 1")
	}
	if c.Run.Retry.InitialDelay <= 0 {
		return fmt.Errorf("run.retry.initial_delay must be a positive duration")
	}
	if _, err := retry.ParseStrategy(c.Run.Retry.Strategy); err != nil {
		return err
	}

	for _, sink := range c.Run.Sinks {
		if err := sink.Validate(); err != nil {
			return err
		}
	}

	if c.Analysis.Schedule != "" {
		if _, err := cron.ParseStandard(c.Analysis.Schedule); err != nil {
			return fmt.Errorf("invalid analysis schedule %q: %w", c.Analysis.Schedule, err)
		}
	}

	return nil
}

// StepEnvironment renders the learning configuration as ALP_*
// environment variables for the step process, merged with any
// user-supplied step environment
func (c *Config) StepEnvironment() []string {
	env := []string{
		fmt.Sprintf("ALP_LEARNING_ALGORITHM=%s", c.Learning.Algorithm),
		fmt.Sprintf("ALP_MAX_ITERATIONS=%d", c.Learning.Iteration.MaxIterations),
		fmt.Sprintf("ALP_EARLY_STOPPING_TOLERANCE=%g", c.Learning.Iteration.EarlyStoppingTolerance),
		fmt.Sprintf("ALP_LEARNING_RATE=%g", c.Learning.Hyperparameters.LearningRate),
		fmt.Sprintf("ALP_BATCH_SIZE=%d", c.Learning.Hyperparameters.BatchSize),
		fmt.Sprintf("ALP_REGULARIZATION_LAMBDA=%g", c.Learning.Hyperparameters.RegularizationLambda),
		fmt.Sprintf("ALP_HIDDEN_LAYERS=%s", strings.Join(lo.Map(c.Learning.Model.HiddenLayers, func(layer int, _ int) string {
			return strconv.Itoa(layer)
		}), ",")),
		fmt.Sprintf("ALP_ACTIVATION_FUNCTION=%s", c.Learning.Model.ActivationFunction),
		fmt.Sprintf("ALP_DROPOUT_RATE=%g", c.Learning.Model.DropoutRate),
		fmt.Sprintf("ALP_PERFORMANCE_METRICS=%s", strings.Join(c.Learning.PerformanceMetrics, ",")),
	}

	if c.Learning.Iteration.GradientClipValue != nil {
		env = append(env, fmt.Sprintf("ALP_GRADIENT_CLIP_VALUE=%g", *c.Learning.Iteration.GradientClipValue))
	}
	if c.Learning.RandomSeed != nil {
		env = append(env, fmt.Sprintf("ALP_RANDOM_SEED=%d", *c.Learning.RandomSeed))
	}
	if len(c.Learning.CustomParameters) > 0 {
		if custom, err := json.Marshal(c.Learning.CustomParameters); err == nil {
			env = append(env, fmt.Sprintf("ALP_CUSTOM_PARAMETERS=%s", custom))
		}
	}

	for key, value := range c.Run.Step.Environment {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	return env
}

// SaveConfig writes the effective merged configuration as indented JSON
func (c *Config) SaveConfig(path string) error {
	if c.raw == nil {
		return fmt.Errorf("configuration was not loaded through NewConfig")
	}

	content, err := c.raw.Marshal(kjson.Parser())
	if err != nil {
		return err
	}

	var indented bytes.Buffer
	if err = json.Indent(&indented, content, "", "    "); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err = tmpFile.WriteString(indented.String()); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return err
	}
	if err = tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return err
	}

	return os.Rename(tmpFile.Name(), path)
}

// probeReadiness checks readiness of a downstream sink via its
// dedicated healthcheck path
func probeReadiness(sinkUrl string, readinessPath string) error {
	parsedUrl, err := url.Parse(sinkUrl)
	if err != nil {
		return err
	}
	parsedUrl.Path = readinessPath
	resp, err := http.Get(parsedUrl.String())
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
		if _, err = io.Copy(io.Discard, resp.Body); err != nil {
			return err
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("can't probe readiness for %v", sinkUrl)
}

// ProbeSinkReadiness contacts each sink that opts into a readiness
// probe before the run starts pushing entries at it
func (c *Config) ProbeSinkReadiness() error {
	for _, sink := range c.Run.Sinks {
		if sink.Type == SinkTypeLoki && sink.ProbeReadiness {
			if err := probeReadiness(sink.URL, "/ready"); err != nil {
				return err
			}
		}
	}
	return nil
}
