package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/containerd/errdefs"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/types"
)

// hoursPerMonth converts hourly on-demand prices into monthly estimates.
const hoursPerMonth = 730

// Config holds the credentials and region for one AWS connector.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Connector implements the uniform connector contract against AWS. It
// discovers EC2 instances and EBS volumes, estimates instance cost through
// the Pricing API, and produces cost and hygiene recommendations.
type Connector struct {
	id  string
	cfg Config

	sts     STSAPI
	ec2     EC2API
	pricing PricingAPI

	mu        sync.Mutex
	accountID string

	prices *cache.Cache
	logger zerolog.Logger
}

// Option customizes connector construction.
type Option func(*Connector)

// WithClients injects pre-built API clients, bypassing Initialize's client
// construction. Used by tests to substitute fakes.
func WithClients(stsAPI STSAPI, ec2API EC2API, pricingAPI PricingAPI) Option {
	return func(c *Connector) {
		c.sts = stsAPI
		c.ec2 = ec2API
		c.pricing = pricingAPI
	}
}

// New creates an AWS connector with the given opaque ID. Initialize must be
// called before any other operation.
func New(id string, cfg Config, opts ...Option) *Connector {
	c := &Connector{
		id:     id,
		cfg:    cfg,
		prices: cache.New(time.Hour, 10*time.Minute),
		logger: log.WithConnectorID(id),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connector) ID() string               { return c.id }
func (c *Connector) Provider() types.Provider { return types.ProviderAWS }
func (c *Connector) Region() string           { return c.cfg.Region }

// Capabilities lists what this connector can do. AWS is the only provider
// with a cost-estimation surface.
func (c *Connector) Capabilities() []string {
	return []string{"discover", "estimate", "recommend", "health"}
}

// AccountID returns the caller account learned by the last successful health
// check, or empty before one.
func (c *Connector) AccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

// Initialize validates the credentials and builds the SDK clients. Injected
// clients are kept as-is.
func (c *Connector) Initialize(ctx context.Context) error {
	if c.cfg.Region == "" {
		return fmt.Errorf("aws connector: region is required: %w", errdefs.ErrFailedPrecondition)
	}
	if c.cfg.AccessKeyID == "" || c.cfg.SecretAccessKey == "" {
		return fmt.Errorf("aws connector: access key and secret key are required: %w", errdefs.ErrFailedPrecondition)
	}
	if c.sts != nil && c.ec2 != nil && c.pricing != nil {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.cfg.AccessKeyID, c.cfg.SecretAccessKey, c.cfg.SessionToken)),
	)
	if err != nil {
		return fmt.Errorf("aws connector: loading sdk config: %v: %w", err, errdefs.ErrFailedPrecondition)
	}

	c.sts = sts.NewFromConfig(awsCfg)
	c.ec2 = ec2.NewFromConfig(awsCfg)
	// The Pricing API is only served from a handful of regions.
	c.pricing = pricing.NewFromConfig(awsCfg, func(o *pricing.Options) {
		o.Region = pricingRegion(c.cfg.Region)
	})
	return nil
}

// HealthCheck verifies the credentials resolve to a caller identity.
func (c *Connector) HealthCheck(ctx context.Context) error {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("aws connector: get caller identity: %v: %w", err, errdefs.ErrUnavailable)
	}
	c.mu.Lock()
	c.accountID = aws.ToString(out.Account)
	c.mu.Unlock()
	return nil
}

// Discover enumerates the requested resource types. Each type that fails
// adds a warning; discovery only errors when nothing was reachable at all.
func (c *Connector) Discover(ctx context.Context, resourceTypes []string) (types.DiscoveryResult, error) {
	start := time.Now()
	result := types.DiscoveryResult{Provider: types.ProviderAWS}

	var errs error
	for _, rt := range normalizeTypes(resourceTypes) {
		switch rt {
		case "instance":
			resources, err := c.discoverInstances(ctx)
			if err != nil {
				errs = multierr.Append(errs, err)
				result.Warnings = append(result.Warnings, fmt.Sprintf("describe instances: %v", err))
				continue
			}
			result.Resources = append(result.Resources, resources...)
		case "volume":
			resources, err := c.discoverVolumes(ctx)
			if err != nil {
				errs = multierr.Append(errs, err)
				result.Warnings = append(result.Warnings, fmt.Sprintf("describe volumes: %v", err))
				continue
			}
			result.Resources = append(result.Resources, resources...)
		default:
			result.Warnings = append(result.Warnings, fmt.Sprintf("unsupported resource type %q", rt))
		}
	}

	result.Took = time.Since(start)
	if len(result.Resources) == 0 && errs != nil {
		return types.DiscoveryResult{}, fmt.Errorf("aws discovery failed: %v: %w", errs, errdefs.ErrUnavailable)
	}

	c.logger.Debug().
		Int("resources", len(result.Resources)).
		Int("warnings", len(result.Warnings)).
		Dur("took", result.Took).
		Msg("Discovery complete")
	return result, nil
}

func (c *Connector) discoverInstances(ctx context.Context) ([]types.CloudResource, error) {
	var resources []types.CloudResource

	paginator := ec2.NewDescribeInstancesPaginator(c.ec2, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				resource := types.CloudResource{
					Provider:     types.ProviderAWS,
					ResourceType: "ec2/instance",
					ResourceID:   aws.ToString(inst.InstanceId),
					Region:       c.cfg.Region,
					Tags:         map[string]string{},
					Metadata: map[string]any{
						"instance_type": string(inst.InstanceType),
					},
				}
				for _, tag := range inst.Tags {
					resource.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
				}
				resource.Name = resource.Tags["Name"]
				if inst.State != nil {
					resource.Metadata["state"] = string(inst.State.Name)
				}
				if inst.Placement != nil {
					resource.Metadata["availability_zone"] = aws.ToString(inst.Placement.AvailabilityZone)
				}
				if inst.PrivateIpAddress != nil {
					resource.Metadata["private_ip"] = aws.ToString(inst.PrivateIpAddress)
				}
				if inst.LaunchTime != nil {
					resource.Metadata["launch_time"] = inst.LaunchTime.Format(time.RFC3339)
				}
				resources = append(resources, resource)
			}
		}
	}
	return resources, nil
}

func (c *Connector) discoverVolumes(ctx context.Context) ([]types.CloudResource, error) {
	var resources []types.CloudResource

	paginator := ec2.NewDescribeVolumesPaginator(c.ec2, &ec2.DescribeVolumesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, vol := range page.Volumes {
			resource := types.CloudResource{
				Provider:     types.ProviderAWS,
				ResourceType: "ec2/volume",
				ResourceID:   aws.ToString(vol.VolumeId),
				Region:       c.cfg.Region,
				Tags:         map[string]string{},
				Metadata: map[string]any{
					"size_gb":     aws.ToInt32(vol.Size),
					"volume_type": string(vol.VolumeType),
					"state":       string(vol.State),
					"encrypted":   aws.ToBool(vol.Encrypted),
					"attachments": len(vol.Attachments),
				},
			}
			for _, tag := range vol.Tags {
				resource.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			resource.Name = resource.Tags["Name"]
			resources = append(resources, resource)
		}
	}
	return resources, nil
}

// EstimateCost returns monthly on-demand estimates keyed by resource ID.
// Only instances are priced; resources without a price are absent from the
// map. Prices are cached per instance type for an hour.
func (c *Connector) EstimateCost(ctx context.Context, resources []types.CloudResource) (map[string]float64, error) {
	estimates := make(map[string]float64)

	for _, resource := range resources {
		if resource.ResourceType != "ec2/instance" {
			continue
		}
		instanceType, _ := resource.Metadata["instance_type"].(string)
		if instanceType == "" {
			continue
		}

		hourly, err := c.onDemandPrice(ctx, instanceType)
		if err != nil {
			return nil, err
		}
		if hourly == 0 {
			continue
		}
		estimates[resource.ResourceID] = hourly * hoursPerMonth
	}
	return estimates, nil
}

// onDemandPrice fetches the Linux on-demand hourly price for one instance
// type, consulting the cache first. A price of zero means the Pricing API
// had no matching product.
func (c *Connector) onDemandPrice(ctx context.Context, instanceType string) (float64, error) {
	if cached, ok := c.prices.Get(instanceType); ok {
		return cached.(float64), nil
	}

	out, err := c.pricing.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("instanceType"), Value: aws.String(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("regionCode"), Value: aws.String(c.cfg.Region)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("marketoption"), Value: aws.String("OnDemand")},
		},
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("aws connector: pricing query for %s: %v: %w", instanceType, err, errdefs.ErrUnavailable)
	}

	price := parseOnDemandPrice(out.PriceList)
	c.prices.Set(instanceType, price, cache.DefaultExpiration)
	return price, nil
}

// parseOnDemandPrice digs the USD hourly rate out of a Pricing API product
// document. The document is deeply nested JSON; only the pieces used here
// are modeled.
func parseOnDemandPrice(priceList []string) float64 {
	type priceItem struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit map[string]string
				}
			}
		}
	}

	for _, doc := range priceList {
		var item priceItem
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			continue
		}
		for _, term := range item.Terms.OnDemand {
			for _, dim := range term.PriceDimensions {
				price, err := strconv.ParseFloat(dim.PricePerUnit["USD"], 64)
				if err != nil || price == 0 {
					continue
				}
				return price
			}
		}
	}
	return 0
}

// Recommend produces freeform advice from the discovered resource set.
func (c *Connector) Recommend(ctx context.Context, resources []types.CloudResource) ([]string, error) {
	var advice []string

	for _, resource := range resources {
		switch resource.ResourceType {
		case "ec2/instance":
			state, _ := resource.Metadata["state"].(string)
			instanceType, _ := resource.Metadata["instance_type"].(string)
			if state == "stopped" {
				advice = append(advice, fmt.Sprintf(
					"instance %s is stopped but still billed for attached storage; terminate it if unused", resource.ResourceID))
			}
			if strings.Contains(instanceType, "2xlarge") || strings.Contains(instanceType, "4xlarge") {
				advice = append(advice, fmt.Sprintf(
					"instance %s (%s) is a large type; verify utilization before the next billing cycle", resource.ResourceID, instanceType))
			}
			if resource.Tags["Name"] == "" {
				advice = append(advice, fmt.Sprintf("instance %s has no Name tag", resource.ResourceID))
			}
		case "ec2/volume":
			state, _ := resource.Metadata["state"].(string)
			attachments, _ := resource.Metadata["attachments"].(int)
			if state == "available" && attachments == 0 {
				advice = append(advice, fmt.Sprintf(
					"volume %s is unattached; snapshot and delete it to stop paying for it", resource.ResourceID))
			}
			if encrypted, ok := resource.Metadata["encrypted"].(bool); ok && !encrypted {
				advice = append(advice, fmt.Sprintf("volume %s is not encrypted", resource.ResourceID))
			}
		}
	}
	return advice, nil
}

// normalizeTypes folds the accepted spellings of each resource type.
func normalizeTypes(resourceTypes []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rt := range resourceTypes {
		normalized := strings.ToLower(strings.TrimSpace(rt))
		switch normalized {
		case "ec2", "instance", "instances", "ec2/instance":
			normalized = "instance"
		case "ebs", "volume", "volumes", "ec2/volume":
			normalized = "volume"
		}
		if !seen[normalized] {
			seen[normalized] = true
			out = append(out, normalized)
		}
	}
	return out
}

// pricingRegion maps a deployment region to the nearest region that serves
// the Pricing API.
func pricingRegion(region string) string {
	switch {
	case strings.HasPrefix(region, "ap-"):
		return "ap-south-1"
	case strings.HasPrefix(region, "cn-"):
		return "cn-northwest-1"
	case strings.HasPrefix(region, "eu-"):
		return "eu-central-1"
	default:
		return "us-east-1"
	}
}
