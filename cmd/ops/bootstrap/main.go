// Command bootstrap collects the secrets a notifyd deployment needs,
// validates each one against the live service and stores it in SSM
// Parameter Store under /{env}/notifyd/. Workers then resolve them through
// <VAR>_SSM_PARAM pointers.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=dev --export-env
//	go run ./cmd/ops/bootstrap --env=prod --profile=notifyd-prod --skip-optional
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// BootstrapContext is the verified AWS session the steps run against.
type BootstrapContext struct {
	Environment  string
	AWSProfile   string
	AWSRegion    string
	AccountID    string
	CallerARN    string
	AWSConfig    aws.Config
	SkipOptional bool
	Logger       *slog.Logger
}

type options struct {
	env           string
	profile       string
	region        string
	skipOptional  bool
	exportEnv     bool
	exportEnvPath string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.env, "env", "", "Target environment (dev/staging/prod) [required]")
	fs.StringVar(&o.profile, "profile", "", "AWS CLI profile (default credential chain when empty)")
	fs.StringVar(&o.region, "region", "us-east-1", "AWS region")
	fs.BoolVar(&o.skipOptional, "skip-optional", false, "Skip optional provider credentials without prompting")
	fs.BoolVar(&o.exportEnv, "export-env", false, "Export the stored parameters to a .env file afterwards")
	fs.StringVar(&o.exportEnvPath, "export-env-path", ".env", "Path of the exported .env file")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "notifyd bootstrap\n\n")
		fmt.Fprintf(stderr, "Validates broker, database and provider credentials and stores them\n")
		fmt.Fprintf(stderr, "in AWS SSM for the notification workers.\n\n")
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  bootstrap --env=dev [--profile=NAME] [--region=REGION] [--skip-optional] [--export-env]\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.env == "" {
		fs.Usage()
		return o, errors.New("--env is required")
	}
	if !validEnvironments[o.env] {
		return o, fmt.Errorf("invalid environment %q (must be dev, staging, or prod)", o.env)
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o, logger); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, logger *slog.Logger) error {
	bctx, err := initializeSession(ctx, o.env, o.profile, o.region, logger)
	if err != nil {
		return err
	}
	bctx.SkipOptional = o.skipOptional

	if bctx.Environment == "prod" && !confirmProduction(bctx, os.Stdin, os.Stderr) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		return nil
	}

	printBanner(os.Stderr, bctx)

	runner := NewBootstrapRunner(bctx)
	if err := runner.Run(ctx); err != nil {
		return err
	}
	logger.Info("bootstrap completed", "env", bctx.Environment, "account", bctx.AccountID, "region", bctx.AWSRegion)

	if !o.exportEnv {
		return nil
	}
	err = ExportEnvFile(ctx, ExportEnvConfig{
		OutputPath:           o.exportEnvPath,
		Environment:          bctx.Environment,
		SSM:                  runner.SSM,
		Stderr:               os.Stderr,
		IncludeLocalDefaults: true,
	})
	if err != nil {
		return fmt.Errorf("exporting .env: %w", err)
	}
	logger.Info(".env file exported", "path", o.exportEnvPath)
	return nil
}

// initializeSession loads the AWS config and confirms the active identity
// with STS GetCallerIdentity.
func initializeSession(ctx context.Context, env, profile, region string, logger *slog.Logger) (*BootstrapContext, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	identityCtx, identityCancel := context.WithTimeout(ctx, 10*time.Second)
	defer identityCancel()

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (profile %q, region %q): %w", profile, region, err)
	}

	bctx := &BootstrapContext{
		Environment: env,
		AWSProfile:  profile,
		AWSRegion:   region,
		AccountID:   aws.ToString(identity.Account),
		CallerARN:   aws.ToString(identity.Arn),
		AWSConfig:   cfg,
		Logger:      logger,
	}
	logger.Info("AWS identity verified", "account_id", bctx.AccountID, "arn", bctx.CallerARN, "region", region)
	return bctx, nil
}

// confirmProduction requires the operator to type "yes".
func confirmProduction(bctx *BootstrapContext, in io.Reader, out io.Writer) bool {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out, "  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintf(out, "  Account: %s\n", bctx.AccountID)
	fmt.Fprintf(out, "  Region:  %s\n", bctx.AWSRegion)
	fmt.Fprintf(out, "  ARN:     %s\n", bctx.CallerARN)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprint(out, "\nType 'yes' to continue: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}

func printBanner(out io.Writer, bctx *BootstrapContext) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out, "  notifyd Bootstrap")
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintf(out, "  Environment:  %s\n", bctx.Environment)
	fmt.Fprintf(out, "  AWS Account:  %s\n", bctx.AccountID)
	fmt.Fprintf(out, "  AWS Region:   %s\n", bctx.AWSRegion)
	fmt.Fprintf(out, "  Identity:     %s\n", bctx.CallerARN)
	if bctx.AWSProfile != "" {
		fmt.Fprintf(out, "  Profile:      %s\n", bctx.AWSProfile)
	}
	fmt.Fprintf(out, "  SSM Prefix:   /%s/notifyd/\n", bctx.Environment)
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out)
}
