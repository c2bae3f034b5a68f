// Package aws implements provider.Provider on Amazon EC2.  Each runner is
// one instance launched from a prepared AMI; broker credentials reach it
// through user data.
package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
)

// Config holds EC2 provider settings.
type Config struct {
	// Region to launch in.  Empty lets the SDK resolve it.
	Region string

	// Profile selects a shared config profile (optional).
	Profile string

	// Static credentials (optional).  Without them the default chain
	// is used.
	AccessKeyID     string
	SecretAccessKey string

	// AMI is the runner image id (required).
	AMI string

	// InstanceType defaults to t3.medium.
	InstanceType string

	SubnetID         string
	SecurityGroupIDs []string

	// PublicIP makes runners report from their public address.
	PublicIP bool

	// BrokerURL is handed to the runner through user data.
	BrokerURL string

	Poll provider.PollConfig
}

// ec2API is the subset of *ec2.Client the provider uses.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Provider manages runners as EC2 instances.
type Provider struct {
	client ec2API
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// New loads the AWS configuration and creates an EC2 client.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	p := newProvider(ec2.NewFromConfig(awsCfg), cfg, logger)
	logger.Info("aws provider initialized",
		slog.String("region", awsCfg.Region),
		slog.String("ami", cfg.AMI),
		slog.String("instance_type", p.cfg.InstanceType),
	)
	return p, nil
}

func newProvider(client ec2API, cfg Config, logger *slog.Logger) *Provider {
	if cfg.InstanceType == "" {
		cfg.InstanceType = "t3.medium"
	}
	if cfg.Poll.Attempts == 0 {
		cfg.Poll.Attempts = 120
	}
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("atbroker/provider/aws"),
	}
}

func (p *Provider) Kind() model.ProviderKind { return model.ProviderAWS }

// userData renders the bootstrap values as a shell snippet the AMI's
// boot script sources.
func (p *Provider) userData(r *model.Runner) string {
	bootstrap := provider.Bootstrap(p.cfg.BrokerURL, r)
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, k := range provider.BootstrapKeys(bootstrap) {
		fmt.Fprintf(&b, "export %s='%s'\n", k, bootstrap[k])
	}
	return base64.StdEncoding.EncodeToString([]byte(b.String()))
}

// Start launches one instance and waits until it runs with an address.
func (p *Provider) Start(ctx context.Context, r *model.Runner) (provider.StartResult, error) {
	ctx, span := p.tracer.Start(ctx, "provider.aws.Start")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.id", r.ID),
		attribute.String("aws.ami", p.cfg.AMI),
		attribute.String("aws.instance_type", p.cfg.InstanceType),
	)

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.cfg.AMI),
		InstanceType: types.InstanceType(p.cfg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(p.userData(r)),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String("Name"), Value: aws.String("atbroker-" + r.ID)},
				{Key: aws.String("atbroker-runner"), Value: aws.String(r.ID)},
			},
		}},
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
	}
	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if len(p.cfg.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = p.cfg.SecurityGroupIDs
	}

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		span.RecordError(err)
		return provider.StartResult{}, provider.Wrap("run instances", model.ProviderAWS, "", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return provider.StartResult{}, provider.Wrap("run instances", model.ProviderAWS, "", errors.New("no instance returned"))
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	span.SetAttributes(attribute.String("aws.instance_id", id))

	p.logger.Info("runner instance launched",
		slog.String("runner", r.ID),
		slog.String("instance", id),
	)

	address, err := provider.Poll(ctx, p.cfg.Poll, func(ctx context.Context) (string, error) {
		return p.address(ctx, id)
	})
	if err != nil {
		span.RecordError(err)
		p.terminate(ctx, id)
		return provider.StartResult{}, provider.Wrap("wait for instance", model.ProviderAWS, id, err)
	}

	p.logger.Info("runner instance running",
		slog.String("instance", id),
		slog.String("address", address),
	)
	return provider.StartResult{Address: address, Ref: id}, nil
}

func (p *Provider) address(ctx context.Context, id string) (string, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isNotFound(err) {
			// Freshly launched ids are eventually consistent.
			return "", provider.NotReady("instance not visible yet")
		}
		return "", fmt.Errorf("describe instance: %w", err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) != id {
				continue
			}
			if inst.State == nil {
				return "", provider.NotReady("no state")
			}
			switch inst.State.Name {
			case types.InstanceStateNameRunning:
			case types.InstanceStateNamePending:
				return "", provider.NotReady("pending")
			default:
				return "", fmt.Errorf("instance %s is %s", id, inst.State.Name)
			}
			addr := aws.ToString(inst.PrivateIpAddress)
			if p.cfg.PublicIP {
				addr = aws.ToString(inst.PublicIpAddress)
			}
			if addr == "" {
				return "", provider.NotReady("no address")
			}
			return addr, nil
		}
	}
	return "", provider.NotReady("instance not visible yet")
}

func (p *Provider) terminate(ctx context.Context, id string) {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil && !isNotFound(err) {
		p.logger.Warn("failed to terminate instance after failed start",
			slog.String("instance", id),
			slog.String("error", err.Error()),
		)
	}
}

// Cleanup terminates the instance, or only stops it when shutdownOnly
// is set.  Unknown instance ids are treated as already gone.
func (p *Provider) Cleanup(ctx context.Context, r *model.Runner, shutdownOnly bool) error {
	ctx, span := p.tracer.Start(ctx, "provider.aws.Cleanup")
	defer span.End()

	id := r.ProviderRef
	if id == "" {
		return nil
	}
	span.SetAttributes(
		attribute.String("aws.instance_id", id),
		attribute.Bool("shutdown_only", shutdownOnly),
	)
	p.logger.Info("cleaning runner instance",
		slog.String("instance", id),
		slog.Bool("shutdown_only", shutdownOnly),
	)

	var err error
	if shutdownOnly {
		_, err = p.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
	} else {
		_, err = p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	}
	if err != nil && !isNotFound(err) {
		span.RecordError(err)
		return provider.Wrap("cleanup", model.ProviderAWS, id, err)
	}
	return nil
}

// VerifyCredential requires the runner's secret.
func (p *Provider) VerifyCredential(r *model.Runner, presented string) bool {
	return provider.SecretMatches(r, presented)
}

func (p *Provider) Close() error { return nil }

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
}
