// Package aws is the live adapter for the inspection and mutation APIs:
// S3 buckets, EBS volumes and other EC2 resources, SQS queues and DynamoDB
// tables, with KMS for key resolution.
package aws

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

// ProviderName is the registry name of this adapter
const ProviderName = "aws"

func init() {
	providers.Register(ProviderName, func(ctx context.Context, cfg providers.Config) (providers.CloudAPI, error) {
		return Load(ctx, cfg)
	})
}

// LoadConfig resolves credentials and region the standard SDK way. The SDK
// does not retry on its own; the retry controller owns every retry.
func LoadConfig(ctx context.Context, cfg providers.Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(1),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(cfg.Endpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// Load creates an adapter from provider settings
func Load(ctx context.Context, cfg providers.Config) (*Adapter, error) {
	awsCfg, err := LoadConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(awsCfg, cfg), nil
}

// NewFromConfig creates an adapter with SDK clients built from awsCfg
func NewFromConfig(awsCfg aws.Config, cfg providers.Config) *Adapter {
	pathStyle := cfg.Endpoint != ""
	return New(Clients{
		S3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = pathStyle
		}),
		EC2:      ec2.NewFromConfig(awsCfg),
		SQS:      sqs.NewFromConfig(awsCfg),
		DynamoDB: dynamodb.NewFromConfig(awsCfg),
		KMS:      kms.NewFromConfig(awsCfg),
	}, awsCfg.Region, cfg.AccountID)
}

// Adapter implements providers.CloudAPI and providers.BucketLister on AWS
type Adapter struct {
	s3       S3API
	ec2      EC2API
	sqs      SQSAPI
	dynamodb DynamoDBAPI
	kms      KMSAPI

	region    string
	accountID string
	logger    *telemetry.Logger

	mu   sync.Mutex
	keys map[string]string
}

// New creates an adapter over the given clients
func New(clients Clients, region, accountID string) *Adapter {
	return &Adapter{
		s3:        clients.S3,
		ec2:       clients.EC2,
		sqs:       clients.SQS,
		dynamodb:  clients.DynamoDB,
		kms:       clients.KMS,
		region:    region,
		accountID: accountID,
		logger:    telemetry.NewLogger("aws-provider"),
		keys:      make(map[string]string),
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return ProviderName
}

// Region returns the AWS region
func (a *Adapter) Region() string {
	return a.region
}

// service is the AWS service owning a resource id
type service int

const (
	serviceUnknown service = iota
	serviceS3
	serviceEBS
	serviceEC2
	serviceSQS
	serviceDynamoDB
)

var ec2ID = regexp.MustCompile(`^(i|sg|subnet|vpc|snap|ami|eni|igw|rtb|nat|eipalloc|lt|tgw|vpce)-[0-9a-f]{8,17}$`)

// resolve works out which service owns ref and the id that service expects
func resolve(ref providers.ResourceRef) (service, string) {
	id := ref.ID
	if arn.IsARN(id) {
		parsed, err := arn.Parse(id)
		if err != nil {
			return serviceUnknown, id
		}
		switch parsed.Service {
		case "s3":
			if !strings.Contains(parsed.Resource, "/") {
				return serviceS3, parsed.Resource
			}
		case "sqs":
			return serviceSQS, id
		case "dynamodb":
			if strings.HasPrefix(parsed.Resource, "table/") {
				return serviceDynamoDB, id
			}
		case "ec2":
			if name, ok := strings.CutPrefix(parsed.Resource, "volume/"); ok {
				return serviceEBS, name
			}
			if _, name, ok := strings.Cut(parsed.Resource, "/"); ok && ec2ID.MatchString(name) {
				return serviceEC2, name
			}
		}
		return serviceUnknown, id
	}

	switch {
	case strings.HasPrefix(id, "https://sqs.") || strings.HasPrefix(id, "http://sqs."):
		return serviceSQS, id
	case strings.HasPrefix(id, "vol-"):
		return serviceEBS, id
	case ec2ID.MatchString(id):
		return serviceEC2, id
	case ref.Type == types.ResourceBucket:
		return serviceS3, id
	}
	return serviceUnknown, id
}

func unsupported(op string, ref providers.ResourceRef) error {
	return providers.Permanent(op, fmt.Errorf("unsupported resource %q of type %s", ref.ID, ref.Type))
}

// GetResource implements providers.Inspector
func (a *Adapter) GetResource(ctx context.Context, ref providers.ResourceRef) (providers.RawResource, error) {
	svc, id := resolve(ref)
	var (
		raw providers.RawResource
		err error
	)
	switch svc {
	case serviceS3:
		raw, err = a.inspectBucket(ctx, id)
	case serviceEBS:
		raw, err = a.inspectVolume(ctx, id)
	case serviceEC2:
		raw, err = a.inspectEC2(ctx, id)
	case serviceSQS:
		raw, err = a.inspectQueue(ctx, id)
	case serviceDynamoDB:
		raw, err = a.inspectTable(ctx, id)
	default:
		return providers.RawResource{}, unsupported("GetResource", ref)
	}
	if err != nil {
		return providers.RawResource{}, err
	}

	// The event keeps the caller's id and type
	raw.ID = ref.ID
	raw.Type = ref.Type
	if raw.Region == "" {
		raw.Region = a.region
	}
	return raw, nil
}

// AddTags implements providers.Mutator
func (a *Adapter) AddTags(ctx context.Context, ref providers.ResourceRef, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	svc, id := resolve(ref)
	switch svc {
	case serviceS3:
		return a.tagBucket(ctx, id, tags)
	case serviceEBS, serviceEC2:
		return a.tagEC2(ctx, id, tags)
	case serviceSQS:
		return a.tagQueue(ctx, id, tags)
	case serviceDynamoDB:
		return a.tagTable(ctx, id, tags)
	}
	return unsupported("AddTags", ref)
}

// EnableEncryption implements providers.Mutator. An empty key selects the
// service-managed default.
func (a *Adapter) EnableEncryption(ctx context.Context, ref providers.ResourceRef, kmsKeyID string) error {
	svc, id := resolve(ref)
	if svc == serviceUnknown || svc == serviceEC2 {
		return unsupported("EnableEncryption", ref)
	}

	keyARN, err := a.resolveKey(ctx, kmsKeyID)
	if err != nil {
		return err
	}

	switch svc {
	case serviceS3:
		return a.encryptBucket(ctx, id, keyARN)
	case serviceEBS:
		return providers.Permanent("EnableEncryption",
			fmt.Errorf("volume %s cannot be encrypted in place; snapshot it and restore an encrypted copy", id))
	case serviceSQS:
		return a.encryptQueue(ctx, id, keyARN)
	default:
		return a.encryptTable(ctx, id, keyARN)
	}
}

var (
	_ providers.CloudAPI     = (*Adapter)(nil)
	_ providers.BucketLister = (*Adapter)(nil)
)
