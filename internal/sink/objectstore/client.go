package objectstore

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// ClientConfig holds the S3_SINK_* credentials used to build a real
// client.
type ClientConfig struct {
	AccessKey string
	SecretKey string
	Region    string
}

// NewClient builds an aws-sdk-go-v2 S3 client from static credentials,
// the idiom used wherever the pack's go.mod carries aws-sdk-go-v2
// (Ezkerrox-bsc/coredao-org-core-chain's dependency surface).
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "objectstore: load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Region = cfg.Region
	}), nil
}
