package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SegmentStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type EndpointRuleConfig struct {
	MustContainNonsilence bool    `yaml:"must_contain_nonsilence"`
	MinTrailingSilence    float64 `yaml:"min_trailing_silence"`
	MinUtteranceLength    float64 `yaml:"min_utterance_length"`
}

type EndpointConfig struct {
	Rule1 EndpointRuleConfig `yaml:"rule1"`
	Rule2 EndpointRuleConfig `yaml:"rule2"`
	Rule3 EndpointRuleConfig `yaml:"rule3"`
}

type ASRConfig struct {
	Mode              string         `yaml:"mode"` // mock, exec
	Command           string         `yaml:"command"`
	ModelLayers       int            `yaml:"model_layers"`
	ModelHiddenSize   int            `yaml:"model_hidden_size"`
	SampleRate        int            `yaml:"sample_rate"`
	FeatureDim        int            `yaml:"feature_dim"`
	FrameShiftMS      float64        `yaml:"frame_shift_ms"`
	ContextSize       int            `yaml:"context_size"`
	SubsamplingFactor int            `yaml:"subsampling_factor"`
	ChunkSteps        int            `yaml:"chunk_steps"`
	MaxBatchSize      int            `yaml:"max_batch_size"`
	TailPaddingFrames int            `yaml:"tail_padding_frames"`
	DecodeIntervalMS  int            `yaml:"decode_interval_ms"`
	PublishPartials   bool           `yaml:"publish_partials"`
	Endpoint          EndpointConfig `yaml:"endpoint"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	SegmentStore SegmentStoreConfig `yaml:"segment_store"`
	ASR          ASRConfig          `yaml:"asr"`
}

func Default() Config {
	return Config{
		RuntimeName: "vocalis-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		SegmentStore: SegmentStoreConfig{
			Path:          "./data/vocalis-segments.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		ASR: ASRConfig{
			Mode:              "mock",
			ModelLayers:       2,
			ModelHiddenSize:   512,
			SampleRate:        16000,
			FeatureDim:        80,
			FrameShiftMS:      10,
			ContextSize:       2,
			SubsamplingFactor: 4,
			ChunkSteps:        8,
			MaxBatchSize:      16,
			TailPaddingFrames: 20,
			DecodeIntervalMS:  50,
			PublishPartials:   true,
			Endpoint: EndpointConfig{
				Rule1: EndpointRuleConfig{MinTrailingSilence: 2.4},
				Rule2: EndpointRuleConfig{MustContainNonsilence: true, MinTrailingSilence: 1.2},
				Rule3: EndpointRuleConfig{MinUtteranceLength: 20},
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOCALIS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOCALIS_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOCALIS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOCALIS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOCALIS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOCALIS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOCALIS_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOCALIS_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOCALIS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOCALIS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOCALIS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOCALIS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOCALIS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOCALIS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOCALIS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOCALIS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.SegmentStore.Path, "VOCALIS_SEGMENT_STORE_PATH")
	overrideString(&cfg.SegmentStore.RetentionMode, "VOCALIS_SEGMENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.SegmentStore.RetentionDays, "VOCALIS_SEGMENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SegmentStore.MaxSessions, "VOCALIS_SEGMENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.SegmentStore.VacuumOnStart, "VOCALIS_SEGMENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.ASR.Mode, "VOCALIS_ASR_MODE")
	overrideString(&cfg.ASR.Command, "VOCALIS_ASR_COMMAND")
	overrideInt(&cfg.ASR.ModelLayers, "VOCALIS_ASR_MODEL_LAYERS")
	overrideInt(&cfg.ASR.ModelHiddenSize, "VOCALIS_ASR_MODEL_HIDDEN_SIZE")
	overrideInt(&cfg.ASR.SampleRate, "VOCALIS_ASR_SAMPLE_RATE")
	overrideInt(&cfg.ASR.FeatureDim, "VOCALIS_ASR_FEATURE_DIM")
	overrideFloat(&cfg.ASR.FrameShiftMS, "VOCALIS_ASR_FRAME_SHIFT_MS")
	overrideInt(&cfg.ASR.ContextSize, "VOCALIS_ASR_CONTEXT_SIZE")
	overrideInt(&cfg.ASR.SubsamplingFactor, "VOCALIS_ASR_SUBSAMPLING_FACTOR")
	overrideInt(&cfg.ASR.ChunkSteps, "VOCALIS_ASR_CHUNK_STEPS")
	overrideInt(&cfg.ASR.MaxBatchSize, "VOCALIS_ASR_MAX_BATCH_SIZE")
	overrideInt(&cfg.ASR.TailPaddingFrames, "VOCALIS_ASR_TAIL_PADDING_FRAMES")
	overrideInt(&cfg.ASR.DecodeIntervalMS, "VOCALIS_ASR_DECODE_INTERVAL_MS")
	overrideBool(&cfg.ASR.PublishPartials, "VOCALIS_ASR_PUBLISH_PARTIALS")
	overrideFloat(&cfg.ASR.Endpoint.Rule1.MinTrailingSilence, "VOCALIS_ASR_ENDPOINT_RULE1_MIN_TRAILING_SILENCE")
	overrideFloat(&cfg.ASR.Endpoint.Rule2.MinTrailingSilence, "VOCALIS_ASR_ENDPOINT_RULE2_MIN_TRAILING_SILENCE")
	overrideFloat(&cfg.ASR.Endpoint.Rule3.MinUtteranceLength, "VOCALIS_ASR_ENDPOINT_RULE3_MIN_UTTERANCE_LENGTH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.SegmentStore.Path == "" {
		return errors.New("segment_store.path must not be empty")
	}
	switch cfg.SegmentStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("segment_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.SegmentStore.RetentionDays < 0 {
		return errors.New("segment_store.retention_days must be >= 0")
	}
	switch cfg.ASR.Mode {
	case "mock", "exec":
	default:
		return errors.New("asr.mode must be one of mock|exec")
	}
	if cfg.ASR.Mode == "exec" && cfg.ASR.Command == "" {
		return errors.New("asr.command must be set when mode=exec")
	}
	if cfg.ASR.ModelLayers <= 0 {
		return errors.New("asr.model_layers must be positive")
	}
	if cfg.ASR.ModelHiddenSize <= 0 {
		return errors.New("asr.model_hidden_size must be positive")
	}
	if cfg.ASR.SampleRate <= 0 {
		return errors.New("asr.sample_rate must be positive")
	}
	if cfg.ASR.FeatureDim <= 0 {
		return errors.New("asr.feature_dim must be positive")
	}
	if cfg.ASR.FrameShiftMS <= 0 {
		return errors.New("asr.frame_shift_ms must be positive")
	}
	if cfg.ASR.ContextSize < 1 {
		return errors.New("asr.context_size must be >= 1")
	}
	if cfg.ASR.SubsamplingFactor < 1 {
		return errors.New("asr.subsampling_factor must be >= 1")
	}
	if cfg.ASR.ChunkSteps < 1 {
		return errors.New("asr.chunk_steps must be >= 1")
	}
	if cfg.ASR.MaxBatchSize < 1 {
		return errors.New("asr.max_batch_size must be >= 1")
	}
	if cfg.ASR.TailPaddingFrames < 0 {
		return errors.New("asr.tail_padding_frames must be >= 0")
	}
	if cfg.ASR.DecodeIntervalMS <= 0 {
		return errors.New("asr.decode_interval_ms must be positive")
	}
	return nil
}
