// Package gcp implements provider.Provider using Google Cloud Compute
// Engine to run AutoTest runners as VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config: auth is handled by the environment
// (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
)

// Config holds GCP-specific provider settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the runner image (required).
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).
	Subnet string

	// PublicIP gives runner VMs an external IP.  The broker then expects
	// them to call from that address.
	PublicIP bool

	// ServiceAccount is the service account email to attach to runner
	// VMs (optional).
	ServiceAccount string

	// BrokerURL is handed to the runner through instance metadata.
	BrokerURL string

	Poll provider.PollConfig
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of *compute.InstancesClient the provider
// uses, with operations narrowed to operationWaiter.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// instancesClient adapts *compute.InstancesClient to instancesAPI.
type instancesClient struct {
	c *compute.InstancesClient
}

func (a instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := a.c.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (a instancesClient) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return a.c.Get(ctx, req)
}

func (a instancesClient) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	op, err := a.c.Stop(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (a instancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := a.c.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (a instancesClient) Close() error { return a.c.Close() }

// Provider manages runners as Compute Engine VMs.
type Provider struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// New creates a GCP provider using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	p := newProvider(instancesClient{c: client}, cfg, logger)
	logger.Info("gcp provider initialized",
		slog.String("project", p.cfg.Project),
		slog.String("zone", p.cfg.Zone),
		slog.String("machine_type", p.cfg.MachineType),
		slog.String("image", p.cfg.Image),
	)
	return p, nil
}

func newProvider(client instancesAPI, cfg Config, logger *slog.Logger) *Provider {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.Poll.Attempts == 0 {
		cfg.Poll.Attempts = 120
	}
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("atbroker/provider/gcp"),
	}
}

func (p *Provider) Kind() model.ProviderKind { return model.ProviderGCP }

func instanceName(r *model.Runner) string {
	return "atbroker-" + r.ID
}

func (p *Provider) instanceResource(r *model.Runner) *computepb.Instance {
	name := instanceName(r)
	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, p.cfg.MachineType)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(p.cfg.Image),
			DiskSizeGb:  proto.Int64(p.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", p.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", p.cfg.Network)),
	}
	if p.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(p.cfg.Subnet)
	}
	if p.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	// The runner's startup script reads its broker credentials from
	// instance metadata.
	bootstrap := provider.Bootstrap(p.cfg.BrokerURL, r)
	metadata := &computepb.Metadata{}
	for _, k := range provider.BootstrapKeys(bootstrap) {
		metadata.Items = append(metadata.Items, &computepb.Items{
			Key:   proto.String(k),
			Value: proto.String(bootstrap[k]),
		})
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
		Labels:            map[string]string{"atbroker-runner": r.ID},
	}
	if p.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(p.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}
	return instance
}

// Start creates the VM and waits until it runs with an address.
func (p *Provider) Start(ctx context.Context, r *model.Runner) (provider.StartResult, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Start")
	defer span.End()

	name := instanceName(r)
	span.SetAttributes(
		attribute.String("runner.id", r.ID),
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
		attribute.String("gcp.machine_type", p.cfg.MachineType),
	)

	p.logger.Info("creating runner VM",
		slog.String("name", name),
		slog.String("machine_type", p.cfg.MachineType),
		slog.String("zone", p.cfg.Zone),
	)

	op, err := p.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             p.cfg.Zone,
		InstanceResource: p.instanceResource(r),
	})
	if err != nil {
		span.RecordError(err)
		return provider.StartResult{}, provider.Wrap("insert instance", model.ProviderGCP, name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		span.RecordError(err)
		return provider.StartResult{}, provider.Wrap("wait for insert", model.ProviderGCP, name, err)
	}

	address, err := provider.Poll(ctx, p.cfg.Poll, func(ctx context.Context) (string, error) {
		return p.address(ctx, name)
	})
	if err != nil {
		span.RecordError(err)
		p.delete(ctx, name)
		return provider.StartResult{}, provider.Wrap("wait for instance", model.ProviderGCP, name, err)
	}

	p.logger.Info("runner VM started",
		slog.String("name", name),
		slog.String("address", address),
	)
	return provider.StartResult{Address: address, Ref: name}, nil
}

func (p *Provider) address(ctx context.Context, name string) (string, error) {
	inst, err := p.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		return "", fmt.Errorf("get instance: %w", err)
	}
	switch status := inst.GetStatus(); status {
	case "RUNNING":
	case "STOPPING", "SUSPENDED", "TERMINATED":
		return "", fmt.Errorf("instance %s is %s", name, status)
	default:
		return "", provider.NotReady("instance " + status)
	}

	nics := inst.GetNetworkInterfaces()
	if len(nics) == 0 {
		return "", provider.NotReady("no network interface")
	}
	if p.cfg.PublicIP {
		if acs := nics[0].GetAccessConfigs(); len(acs) > 0 && acs[0].GetNatIP() != "" {
			return acs[0].GetNatIP(), nil
		}
		return "", provider.NotReady("no external address")
	}
	if ip := nics[0].GetNetworkIP(); ip != "" {
		return ip, nil
	}
	return "", provider.NotReady("no internal address")
}

// delete is the best-effort cleanup after a failed start.
func (p *Provider) delete(ctx context.Context, name string) {
	if err := p.destroy(ctx, name); err != nil {
		p.logger.Warn("failed to delete VM after failed start",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Provider) destroy(ctx context.Context, name string) error {
	op, err := p.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: name,
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	return err
}

// Cleanup deletes the VM, or only stops it when shutdownOnly is set.
// It is idempotent: a VM that is already gone is not an error.
func (p *Provider) Cleanup(ctx context.Context, r *model.Runner, shutdownOnly bool) error {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Cleanup")
	defer span.End()

	name := r.ProviderRef
	if name == "" {
		return nil
	}
	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
		attribute.Bool("shutdown_only", shutdownOnly),
	)

	var err error
	if shutdownOnly {
		p.logger.Info("stopping runner VM", slog.String("name", name))
		var op operationWaiter
		op, err = p.client.Stop(ctx, &computepb.StopInstanceRequest{
			Project:  p.cfg.Project,
			Zone:     p.cfg.Zone,
			Instance: name,
		})
		if err == nil {
			err = op.Wait(ctx)
		}
	} else {
		p.logger.Info("destroying runner VM", slog.String("name", name))
		err = p.destroy(ctx, name)
	}

	if isNotFound(err) {
		span.AddEvent("instance already deleted (idempotent)")
		p.logger.Info("runner VM already gone", slog.String("name", name))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return provider.Wrap("cleanup", model.ProviderGCP, name, err)
	}
	return nil
}

// VerifyCredential requires the runner's secret: VMs are reachable from
// outside the broker's network.
func (p *Provider) VerifyCredential(r *model.Runner, presented string) bool {
	return provider.SecretMatches(r, presented)
}

func (p *Provider) Close() error { return p.client.Close() }

// isNotFound reports whether err is a 404 from the Compute API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPCode() == http.StatusNotFound {
		return true
	}
	// Errors that lost their type through wrapping still carry the
	// googleapi or gRPC rendering.
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
