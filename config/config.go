package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr     string `validate:"required,hostname_port"`
	Env      string `validate:"oneof=development production test"`
	LogLevel string `validate:"oneof=trace debug info warn error"`
	LogFile  string
	Debug    bool

	RefreshRate         float64       `validate:"gt=0,lte=240"`
	DirectionRange      float64       `validate:"gt=0,lt=90"`
	BrightnessThreshold float64       `validate:"gte=0,lte=1"`
	RectDebounce        time.Duration `validate:"gte=0"`
	StreamStaleAfter    time.Duration `validate:"gte=0"`

	OrtLibDir         string
	FaceModelPath     string `validate:"required"`
	LandmarkModelPath string `validate:"required"`
	PoolSize          int    `validate:"gte=1,lte=64"`

	FrameRateLimit float64 `validate:"gt=0"`
	FrameBurst     int     `validate:"gte=1"`
}

func Default() Config {
	return Config{
		Addr:                "127.0.0.1:8080",
		Env:                 "development",
		LogLevel:            "info",
		RefreshRate:         60,
		DirectionRange:      20,
		BrightnessThreshold: 0.4,
		RectDebounce:        500 * time.Millisecond,
		StreamStaleAfter:    time.Second,
		FaceModelPath:       "../models/yolo11n_9ir_256_hface.onnx",
		LandmarkModelPath:   "../models/pfld_68_112.onnx",
		PoolSize:            4,
		FrameRateLimit:      30,
		FrameBurst:          10,
	}
}

func NewValidator() *validator.Validate {
	return validator.New()
}

// Load reads files (".env" when none given) into the environment, then
// builds and validates the configuration. Missing files are ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds the configuration from lookup, starting at Default.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("APP_ADDR", &cfg.Addr)
	p.str("APP_ENV", &cfg.Env)
	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("LOG_FILE", &cfg.LogFile)
	p.boolean("DEBUG", &cfg.Debug)
	p.float("REFRESH_RATE", &cfg.RefreshRate)
	p.float("DIRECTION_RANGE", &cfg.DirectionRange)
	p.float("BRIGHTNESS_THRESHOLD", &cfg.BrightnessThreshold)
	p.duration("RECT_DEBOUNCE", &cfg.RectDebounce)
	p.duration("STREAM_STALE_AFTER", &cfg.StreamStaleAfter)
	p.str("ORT_LIB_DIR", &cfg.OrtLibDir)
	p.str("FACE_MODEL_PATH", &cfg.FaceModelPath)
	p.str("LANDMARK_MODEL_PATH", &cfg.LandmarkModelPath)
	p.integer("POOL_SIZE", &cfg.PoolSize)
	p.float("FRAME_RATE_LIMIT", &cfg.FrameRateLimit)
	p.integer("FRAME_BURST", &cfg.FrameBurst)

	if p.err != nil {
		return nil, p.err
	}
	if cfg.Debug && cfg.LogLevel == "info" {
		cfg.LogLevel = "debug"
	}
	if err := NewValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// parser keeps the first conversion error.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	return v, ok && v != ""
}

func (p *parser) fail(key, value string, err error) {
	p.err = fmt.Errorf("%s=%q: %w", key, value, err)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) boolean(key string, dst *bool) {
	if v, ok := p.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (p *parser) float(key string, dst *float64) {
	if v, ok := p.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (p *parser) integer(key string, dst *int) {
	if v, ok := p.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

// duration accepts Go durations ("750ms") or plain milliseconds.
func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.get(key); ok {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}
