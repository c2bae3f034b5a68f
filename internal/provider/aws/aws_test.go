package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
)

var errNoSuchInstance = &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "does not exist"}

// ---------------------------------------------------------------------------
// Mock EC2 client (satisfies ec2API)
// ---------------------------------------------------------------------------

type mockEC2 struct {
	mu sync.Mutex

	runInputs  []*ec2.RunInstancesInput
	describes  int
	stopped    []string
	terminated []string

	runErr       error
	terminateErr error

	// states are returned by DescribeInstances in order; the last one repeats.
	states []types.InstanceStateName
}

func (m *mockEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runErr != nil {
		return nil, m.runErr
	}
	m.runInputs = append(m.runInputs, in)
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String("i-0abc")}}}, nil
}

func (m *mockEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[min(m.describes, len(m.states)-1)]
	m.describes++
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
		Instances: []types.Instance{{
			InstanceId:       aws.String(in.InstanceIds[0]),
			State:            &types.InstanceState{Name: state},
			PrivateIpAddress: aws.String("10.0.1.20"),
			PublicIpAddress:  aws.String("54.1.2.3"),
		}},
	}}}, nil
}

func (m *mockEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, in.InstanceIds...)
	return &ec2.StopInstancesOutput{}, nil
}

func (m *mockEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminateErr != nil {
		return nil, m.terminateErr
	}
	m.terminated = append(m.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type AWSProviderSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockEC2
	cfg    Config
	runner *model.Runner
}

func (s *AWSProviderSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = &mockEC2{states: []types.InstanceStateName{types.InstanceStateNameRunning}}
	s.cfg = Config{
		AMI:              "ami-123",
		SubnetID:         "subnet-1",
		SecurityGroupIDs: []string{"sg-1"},
		BrokerURL:        "https://broker.example.com",
		Poll:             provider.PollConfig{Attempts: 3, Interval: time.Millisecond},
	}
	s.runner = &model.Runner{ID: "r1", PublicID: "pub", Secret: "s3cret", Kind: model.ProviderAWS}
}

func (s *AWSProviderSuite) newProvider() *Provider {
	return newProvider(s.client, s.cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAWSProviderSuite(t *testing.T) {
	suite.Run(t, new(AWSProviderSuite))
}

func (s *AWSProviderSuite) TestStart_Success() {
	res, err := s.newProvider().Start(s.ctx, s.runner)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-0abc", res.Ref)
	assert.Equal(s.T(), "10.0.1.20", res.Address)

	require.Len(s.T(), s.client.runInputs, 1)
	in := s.client.runInputs[0]
	assert.Equal(s.T(), "ami-123", aws.ToString(in.ImageId))
	assert.Equal(s.T(), types.InstanceType("t3.medium"), in.InstanceType)
	assert.Equal(s.T(), "subnet-1", aws.ToString(in.SubnetId))
	assert.Equal(s.T(), []string{"sg-1"}, in.SecurityGroupIds)

	script, err := base64.StdEncoding.DecodeString(aws.ToString(in.UserData))
	require.NoError(s.T(), err)
	assert.Contains(s.T(), string(script), "export CG_BROKER_RUNNER_PASS='s3cret'")
	assert.Contains(s.T(), string(script), "export CG_BROKER_URL='https://broker.example.com'")
}

func (s *AWSProviderSuite) TestStart_PublicAddress() {
	s.cfg.PublicIP = true
	res, err := s.newProvider().Start(s.ctx, s.runner)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "54.1.2.3", res.Address)
}

func (s *AWSProviderSuite) TestStart_PollsWhilePending() {
	s.client.states = []types.InstanceStateName{types.InstanceStateNamePending, types.InstanceStateNamePending, types.InstanceStateNameRunning}

	_, err := s.newProvider().Start(s.ctx, s.runner)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, s.client.describes)
}

func (s *AWSProviderSuite) TestStart_TimeoutTerminates() {
	s.client.states = []types.InstanceStateName{types.InstanceStateNamePending}

	_, err := s.newProvider().Start(s.ctx, s.runner)
	assert.ErrorIs(s.T(), err, provider.ErrProvisionTimeout)
	assert.Equal(s.T(), []string{"i-0abc"}, s.client.terminated)
}

func (s *AWSProviderSuite) TestStart_TerminatedDuringBootFailsFast() {
	s.client.states = []types.InstanceStateName{types.InstanceStateNameTerminated}

	_, err := s.newProvider().Start(s.ctx, s.runner)
	assert.ErrorIs(s.T(), err, provider.ErrProvision)
	assert.Equal(s.T(), 1, s.client.describes)
}

func (s *AWSProviderSuite) TestStart_RunError() {
	s.client.runErr = errors.New("InsufficientInstanceCapacity")

	_, err := s.newProvider().Start(s.ctx, s.runner)
	assert.ErrorIs(s.T(), err, provider.ErrProvision)
}

func (s *AWSProviderSuite) TestCleanup() {
	s.runner.ProviderRef = "i-0abc"
	p := s.newProvider()

	require.NoError(s.T(), p.Cleanup(s.ctx, s.runner, true))
	assert.Equal(s.T(), []string{"i-0abc"}, s.client.stopped)

	require.NoError(s.T(), p.Cleanup(s.ctx, s.runner, false))
	assert.Equal(s.T(), []string{"i-0abc"}, s.client.terminated)
}

func (s *AWSProviderSuite) TestCleanup_UnknownInstanceIsGone() {
	s.runner.ProviderRef = "i-gone"
	s.client.terminateErr = errNoSuchInstance
	assert.NoError(s.T(), s.newProvider().Cleanup(s.ctx, s.runner, false))

	s.client.terminateErr = &smithy.GenericAPIError{Code: "UnauthorizedOperation"}
	assert.Error(s.T(), s.newProvider().Cleanup(s.ctx, s.runner, false))
}

func (s *AWSProviderSuite) TestVerifyCredential() {
	p := s.newProvider()
	assert.True(s.T(), p.VerifyCredential(s.runner, "s3cret"))
	assert.False(s.T(), p.VerifyCredential(s.runner, "nope"))
}
