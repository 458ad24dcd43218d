package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/weanime/weanime-gateway/internal/cfg"
	"github.com/weanime/weanime-gateway/internal/cryptoutil"
	"github.com/weanime/weanime-gateway/internal/log"
	"github.com/weanime/weanime-gateway/internal/policy"
	"github.com/weanime/weanime-gateway/internal/xerrors"
)

// loadPolicy returns the configured policy document, or an empty Loaded
// with SourceDefault when none is configured.
func loadPolicy(ctx context.Context, conf cfg.App, L log.Logger) (*policy.Loaded, error) {
	switch {
	case conf.PolicyFile != "":
		loaded, err := policy.LoadFile(conf.PolicyFile)
		if err != nil {
			return nil, err
		}
		L.Info(ctx, "loaded rate limit policy", "source", loaded.Source, "location", loaded.Location, "sha256", loaded.SHA256)
		return loaded, nil

	case conf.RemotePolicy():
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load aws config")
		}
		opts := policy.RemoteOptions{
			SSMParam: conf.PolicySSMParam,
			Bucket:   conf.PolicyS3Bucket,
			Prefix:   conf.PolicyS3Prefix,
			SSM:      ssm.NewFromConfig(awsCfg),
			S3:       s3.NewFromConfig(awsCfg),
			Logger:   L,
		}
		if conf.PolicySigningKeyARN != "" {
			opts.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN)
		}
		loaded, err := policy.LoadRemote(ctx, opts)
		if err != nil {
			return nil, err
		}
		L.Info(ctx, "loaded rate limit policy",
			"source", loaded.Source,
			"location", loaded.Location,
			"sha256", loaded.SHA256,
			"signed", loaded.Signed,
		)
		return loaded, nil
	}

	L.Info(ctx, "no rate limit policy configured, using built-in profiles")
	return &policy.Loaded{Source: policy.SourceDefault}, nil
}
