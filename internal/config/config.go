// Package config loads s3zip settings from a YAML file, S3ZIP_* environment
// variables and command-line flags through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/spf13/viper"

	"github.com/eunmann/s3zip/pkg/headerstream"
	"github.com/eunmann/s3zip/pkg/humanfmt"
	"github.com/eunmann/s3zip/pkg/zipper"
)

// EnvPrefix is prepended to every environment key, e.g. S3ZIP_AWS_REGION.
const EnvPrefix = "S3ZIP"

// Keys.
const (
	KeyAWSRegion          = "aws.region"
	KeyAWSBucket          = "aws.bucket"
	KeyAWSAccessKeyID     = "aws.access_key_id"
	KeyAWSSecretAccessKey = "aws.secret_access_key"
	KeyUploadPartSize     = "upload.part_size"
	KeyZipCompression     = "zip.compression"
	KeyZipConflict        = "zip.conflict"
	KeyZipDeflateLevel    = "zip.deflate_level"
	KeyStringsStrategy    = "strings.strategy"
	KeyServiceBaseURL     = "zipservice.base_url"
	KeyServiceUserKey     = "zipservice.user_key"
	KeyServiceUserSecret  = "zipservice.user_secret"
	KeyLogDebug           = "log.debug"
	KeyLogHuman           = "log.human"
	KeyWorkDir            = "work_dir"
	KeyConcurrency        = "batch.concurrency"
)

// ErrInvalid is returned for settings that fail validation.
var ErrInvalid = errors.New("config: invalid setting")

// AWS holds object-storage access settings. Empty credentials fall back to
// the SDK's default chain.
type AWS struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Zip holds archive-building settings.
type Zip struct {
	Compression  zipper.CompressionMode
	Conflict     zipper.ConflictMode
	DeflateLevel int
}

// ZipService holds remote zip service credentials.
type ZipService struct {
	BaseURL    string
	UserKey    string
	UserSecret string
}

// Config is the resolved configuration.
type Config struct {
	AWS             AWS
	PartSize        int64
	Zip             Zip
	StringsStrategy headerstream.Strategy
	ZipService      ZipService
	Debug           bool
	Human           bool
	WorkDir         string
	Concurrency     int
	// File is the config file that was read, empty if none.
	File string
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyAWSRegion, "us-east-1")
	v.SetDefault(KeyUploadPartSize, "16MiB")
	v.SetDefault(KeyZipCompression, "compress")
	v.SetDefault(KeyZipConflict, "overwrite")
	v.SetDefault(KeyZipDeflateLevel, flate.DefaultCompression)
	v.SetDefault(KeyStringsStrategy, "append")
	v.SetDefault(KeyServiceBaseURL, "https://api.s3zipper.com")
	v.SetDefault(KeyWorkDir, filepath.Join(os.TempDir(), "s3zip"))
	v.SetDefault(KeyConcurrency, 4)
	return v
}

// Load reads the config file at path, or the default location when path is
// empty, and resolves every setting. A missing default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return Resolve(v)
}

// Resolve converts the values held by v into a Config.
func Resolve(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AWS: AWS{
			Region:          v.GetString(KeyAWSRegion),
			Bucket:          v.GetString(KeyAWSBucket),
			AccessKeyID:     v.GetString(KeyAWSAccessKeyID),
			SecretAccessKey: v.GetString(KeyAWSSecretAccessKey),
		},
		ZipService: ZipService{
			BaseURL:    v.GetString(KeyServiceBaseURL),
			UserKey:    v.GetString(KeyServiceUserKey),
			UserSecret: v.GetString(KeyServiceUserSecret),
		},
		Debug:       v.GetBool(KeyLogDebug),
		Human:       v.GetBool(KeyLogHuman),
		WorkDir:     v.GetString(KeyWorkDir),
		Concurrency: v.GetInt(KeyConcurrency),
		File:        v.ConfigFileUsed(),
	}

	var err error
	if cfg.PartSize, err = humanfmt.ParseBytes(v.GetString(KeyUploadPartSize)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, KeyUploadPartSize, err)
	}
	if cfg.Zip.Compression, err = zipper.ParseCompressionMode(v.GetString(KeyZipCompression)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, KeyZipCompression, err)
	}
	if cfg.Zip.Conflict, err = zipper.ParseConflictMode(v.GetString(KeyZipConflict)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, KeyZipConflict, err)
	}
	if cfg.StringsStrategy, err = headerstream.ParseStrategy(v.GetString(KeyStringsStrategy)); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, KeyStringsStrategy, err)
	}
	cfg.Zip.DeflateLevel = v.GetInt(KeyZipDeflateLevel)
	if cfg.Zip.DeflateLevel < flate.HuffmanOnly || cfg.Zip.DeflateLevel > flate.BestCompression {
		return nil, fmt.Errorf("%w: %s: level %d out of range", ErrInvalid, KeyZipDeflateLevel, cfg.Zip.DeflateLevel)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalid, KeyConcurrency)
	}
	return cfg, nil
}

// Dir returns the directory searched for config.yaml.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "s3zip")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "s3zip")
	}
	return ".s3zip"
}
