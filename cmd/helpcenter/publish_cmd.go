package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithylogging "github.com/aws/smithy-go/logging"
	"github.com/spf13/cobra"

	"github.com/endlessm/helpcenter/internal/config"
	"github.com/endlessm/helpcenter/internal/objstore"
	"github.com/endlessm/helpcenter/internal/publish"
)

type publishFlags struct {
	buildDir     string
	branch       string
	region       string
	cloudfront   string
	redirectsKVS string
	exclude      []string
	force        bool
	dryRun       bool
	awsDebug     bool
}

func newPublishCmd() *cobra.Command {
	var f publishFlags
	cmd := &cobra.Command{
		Use:   "publish [BUCKET]",
		Short: "Upload changed docs to an S3 bucket",
		Long: "Compare the HTML build directory with the bucket, upload new and changed\n" +
			"files, delete removed ones and invalidate the changed paths in CloudFront.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)
			file, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg := file.Publish
			f.apply(cmd, args, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			clients, err := newAWSClients(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			p, err := publish.New(cfg, clients, log)
			if err != nil {
				return err
			}
			_, err = p.Run(cmd.Context())
			return err
		},
	}

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.StringVarP(&f.cloudfront, "cloudfront", "c", "", "CloudFront distribution `ID` to invalidate")
	flags.StringVarP(&f.buildDir, "builddir", "d", "", "path to HTML build `DIR` (default \"build\")")
	flags.StringVarP(&f.branch, "branch", "b", "", "publish the `NAME` subdirectory of the build dir")
	flags.StringVar(&f.region, "region", "", "AWS region `NAME`")
	flags.StringVar(&f.redirectsKVS, "redirects-kvs", "", "CloudFront KeyValueStore `NAME` for directory redirects")
	flags.StringArrayVar(&f.exclude, "exclude", nil, "skip files matching `GLOB` (repeatable)")
	flags.BoolVarP(&f.force, "force", "f", false, "upload all files and invalidate everything")
	flags.BoolVarP(&f.dryRun, "dry-run", "n", false, "only show what would be done")
	flags.BoolVar(&f.awsDebug, "aws-debug", false, "log AWS requests and responses")
	return cmd
}

// apply overrides cfg with the flags given on the command line.
func (f *publishFlags) apply(cmd *cobra.Command, args []string, cfg *config.Publish) {
	flags := cmd.Flags()
	if len(args) > 0 {
		cfg.Bucket = args[0]
	}
	if flags.Changed("builddir") {
		cfg.BuildDir = f.buildDir
	}
	if flags.Changed("branch") {
		cfg.Branch = f.branch
	}
	if flags.Changed("region") {
		cfg.Region = f.region
	}
	if flags.Changed("cloudfront") {
		cfg.CloudFront = f.cloudfront
	}
	if flags.Changed("redirects-kvs") {
		cfg.RedirectsKVS = f.redirectsKVS
	}
	cfg.Exclude = append(cfg.Exclude, f.exclude...)
	cfg.Force = cfg.Force || f.force
	cfg.DryRun = cfg.DryRun || f.dryRun
	cfg.AWSDebug = cfg.AWSDebug || f.awsDebug
}

func newAWSClients(ctx context.Context, cfg config.Publish) (publish.Clients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AWSDebug {
		opts = append(opts,
			awsconfig.WithClientLogMode(aws.LogRequest|aws.LogResponse|aws.LogRetries),
			awsconfig.WithLogger(smithylogging.NewStandardLogger(os.Stderr)),
		)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return publish.Clients{}, fmt.Errorf("%w: loading AWS config: %v", config.ErrConfiguration, err)
	}

	clients := publish.Clients{
		Store: objstore.NewFromClient(s3.NewFromConfig(awsCfg), cfg.Bucket),
	}
	if cfg.CloudFront != "" || cfg.RedirectsKVS != "" {
		clients.CloudFront = cloudfront.NewFromConfig(awsCfg)
	}
	if cfg.RedirectsKVS != "" {
		clients.KVS = cloudfrontkeyvaluestore.NewFromConfig(awsCfg)
	}
	return clients, nil
}
