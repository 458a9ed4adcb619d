package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirsinexus/nexus/pkg/types"
)

type fakeSTS struct {
	account string
	err     error
}

func (f *fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

type fakeEC2 struct {
	instances    []ec2types.Instance
	volumes      []ec2types.Volume
	instancesErr error
	volumesErr   error
}

func (f *fakeEC2) DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if f.instancesErr != nil {
		return nil, f.instancesErr
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: f.instances}},
	}, nil
}

func (f *fakeEC2) DescribeVolumes(context.Context, *ec2.DescribeVolumesInput, ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	if f.volumesErr != nil {
		return nil, f.volumesErr
	}
	return &ec2.DescribeVolumesOutput{Volumes: f.volumes}, nil
}

type fakePricing struct {
	priceList []string
	calls     int
	err       error
}

func (f *fakePricing) GetProducts(context.Context, *pricing.GetProductsInput, ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &pricing.GetProductsOutput{PriceList: f.priceList}, nil
}

const priceDoc = `{"terms":{"OnDemand":{"X.Y":{"priceDimensions":{"X.Y.Z":{"pricePerUnit":{"USD":"0.1000000000"}}}}}}}`

func newTestConnector(t *testing.T, ec2API EC2API, pricingAPI PricingAPI) *Connector {
	t.Helper()
	c := New("conn-aws", Config{
		Region:          "us-east-1",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
	}, WithClients(&fakeSTS{account: "123456789012"}, ec2API, pricingAPI))
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestInitializeRequiresCredentials(t *testing.T) {
	c := New("conn-aws", Config{Region: "us-east-1"})
	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	c = New("conn-aws", Config{AccessKeyID: "k", SecretAccessKey: "s"})
	err = c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestHealthCheckLearnsAccountID(t *testing.T) {
	c := newTestConnector(t, &fakeEC2{}, &fakePricing{})
	assert.Empty(t, c.AccountID())

	require.NoError(t, c.HealthCheck(context.Background()))
	assert.Equal(t, "123456789012", c.AccountID())
}

func TestHealthCheckFailureIsUnavailable(t *testing.T) {
	c := New("conn-aws", Config{
		Region:          "us-east-1",
		AccessKeyID:     "k",
		SecretAccessKey: "s",
	}, WithClients(&fakeSTS{err: errors.New("denied")}, &fakeEC2{}, &fakePricing{}))
	require.NoError(t, c.Initialize(context.Background()))

	err := c.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestDiscoverInstancesAndVolumes(t *testing.T) {
	ec2API := &fakeEC2{
		instances: []ec2types.Instance{{
			InstanceId:   aws.String("i-0abc"),
			InstanceType: ec2types.InstanceTypeT3Micro,
			State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String("web-1")},
			},
		}},
		volumes: []ec2types.Volume{{
			VolumeId:   aws.String("vol-0abc"),
			Size:       aws.Int32(100),
			VolumeType: ec2types.VolumeTypeGp3,
			State:      ec2types.VolumeStateAvailable,
			Encrypted:  aws.Bool(true),
		}},
	}
	c := newTestConnector(t, ec2API, &fakePricing{})

	result, err := c.Discover(context.Background(), []string{"instances", "volumes"})
	require.NoError(t, err)
	require.Len(t, result.Resources, 2)
	assert.Empty(t, result.Warnings)

	inst := result.Resources[0]
	assert.Equal(t, types.ProviderAWS, inst.Provider)
	assert.Equal(t, "ec2/instance", inst.ResourceType)
	assert.Equal(t, "i-0abc", inst.ResourceID)
	assert.Equal(t, "web-1", inst.Name)
	assert.Equal(t, "running", inst.Metadata["state"])

	vol := result.Resources[1]
	assert.Equal(t, "ec2/volume", vol.ResourceType)
	assert.Equal(t, int32(100), vol.Metadata["size_gb"])
}

func TestDiscoverPartialFailureWarns(t *testing.T) {
	ec2API := &fakeEC2{
		instances:  []ec2types.Instance{{InstanceId: aws.String("i-0abc")}},
		volumesErr: errors.New("throttled"),
	}
	c := newTestConnector(t, ec2API, &fakePricing{})

	result, err := c.Discover(context.Background(), []string{"instances", "volumes"})
	require.NoError(t, err)
	assert.Len(t, result.Resources, 1)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "describe volumes")
}

func TestDiscoverTotalFailureErrors(t *testing.T) {
	ec2API := &fakeEC2{
		instancesErr: errors.New("throttled"),
		volumesErr:   errors.New("throttled"),
	}
	c := newTestConnector(t, ec2API, &fakePricing{})

	_, err := c.Discover(context.Background(), []string{"instances", "volumes"})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestDiscoverUnsupportedTypeWarns(t *testing.T) {
	c := newTestConnector(t, &fakeEC2{}, &fakePricing{})

	result, err := c.Discover(context.Background(), []string{"lambda"})
	require.NoError(t, err)
	assert.Empty(t, result.Resources)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "lambda")
}

func TestEstimateCostCachesPerInstanceType(t *testing.T) {
	pricingAPI := &fakePricing{priceList: []string{priceDoc}}
	c := newTestConnector(t, &fakeEC2{}, pricingAPI)

	resources := []types.CloudResource{
		{ResourceType: "ec2/instance", ResourceID: "i-1", Metadata: map[string]any{"instance_type": "t3.micro"}},
		{ResourceType: "ec2/instance", ResourceID: "i-2", Metadata: map[string]any{"instance_type": "t3.micro"}},
		{ResourceType: "ec2/volume", ResourceID: "vol-1", Metadata: map[string]any{}},
	}

	estimates, err := c.EstimateCost(context.Background(), resources)
	require.NoError(t, err)
	require.Len(t, estimates, 2)
	assert.InDelta(t, 0.1*hoursPerMonth, estimates["i-1"], 0.001)
	assert.InDelta(t, 0.1*hoursPerMonth, estimates["i-2"], 0.001)

	// Both instances share a type, so only one pricing call is made.
	assert.Equal(t, 1, pricingAPI.calls)
}

func TestEstimateCostSkipsUnpricedTypes(t *testing.T) {
	c := newTestConnector(t, &fakeEC2{}, &fakePricing{priceList: nil})

	estimates, err := c.EstimateCost(context.Background(), []types.CloudResource{
		{ResourceType: "ec2/instance", ResourceID: "i-1", Metadata: map[string]any{"instance_type": "x9.exotic"}},
	})
	require.NoError(t, err)
	assert.Empty(t, estimates)
}

func TestRecommendFlagsWaste(t *testing.T) {
	c := newTestConnector(t, &fakeEC2{}, &fakePricing{})

	advice, err := c.Recommend(context.Background(), []types.CloudResource{
		{
			ResourceType: "ec2/instance",
			ResourceID:   "i-stopped",
			Tags:         map[string]string{"Name": "old"},
			Metadata:     map[string]any{"state": "stopped", "instance_type": "m5.2xlarge"},
		},
		{
			ResourceType: "ec2/volume",
			ResourceID:   "vol-orphan",
			Metadata:     map[string]any{"state": "available", "attachments": 0, "encrypted": false},
		},
	})
	require.NoError(t, err)

	joined := ""
	for _, a := range advice {
		joined += a + "\n"
	}
	assert.Contains(t, joined, "i-stopped is stopped")
	assert.Contains(t, joined, "large type")
	assert.Contains(t, joined, "vol-orphan is unattached")
	assert.Contains(t, joined, "not encrypted")
}

func TestNormalizeTypesFoldsAliases(t *testing.T) {
	out := normalizeTypes([]string{"EC2", "instances", "ebs", "Volumes", "instance"})
	assert.Equal(t, []string{"instance", "volume"}, out)
}

func TestPricingRegionMapping(t *testing.T) {
	assert.Equal(t, "us-east-1", pricingRegion("us-west-2"))
	assert.Equal(t, "eu-central-1", pricingRegion("eu-west-1"))
	assert.Equal(t, "ap-south-1", pricingRegion("ap-southeast-2"))
}
