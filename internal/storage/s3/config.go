package s3

import (
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
)

// Storage classes accepted in configuration.
const (
	ClassStandard     = "STANDARD"
	ClassStandardIA   = "STANDARD_IA"
	ClassOneZoneIA    = "ONEZONE_IA"
	ClassIntelligent  = "INTELLIGENT_TIERING"
	ClassReducedRedun = "REDUCED_REDUNDANCY"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// UseCargoShip routes uploads through the CargoShip transporter and falls
	// back to PutObject when it fails.
	UseCargoShip bool   `yaml:"use_cargoship"`
	StorageClass string `yaml:"storage_class"`
}

// NewDefaultConfig returns a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		StorageClass:   ClassStandard,
	}
}

func convertStorageClass(class string) s3types.StorageClass {
	switch class {
	case ClassStandardIA:
		return s3types.StorageClassStandardIa
	case ClassOneZoneIA:
		return s3types.StorageClassOnezoneIa
	case ClassIntelligent:
		return s3types.StorageClassIntelligentTiering
	case ClassReducedRedun:
		return s3types.StorageClassReducedRedundancy
	default:
		return s3types.StorageClassStandard
	}
}

func convertCargoShipStorageClass(class string) awsconfig.StorageClass {
	switch class {
	case ClassStandardIA:
		return awsconfig.StorageClassStandardIA
	case ClassOneZoneIA:
		return awsconfig.StorageClassOneZoneIA
	case ClassIntelligent:
		return awsconfig.StorageClassIntelligentTiering
	default:
		return awsconfig.StorageClassStandard
	}
}
