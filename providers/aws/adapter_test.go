package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/types"
)

const publicDoc = `{"Version":"2012-10-17","Statement":[{"Sid":"PublicRead","Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::data/*"}]}`

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

type fakeBucket struct {
	region    string
	tags      []s3types.Tag
	sse       *s3types.ServerSideEncryptionConfiguration
	policy    string
	forbidden bool
}

type fakeS3 struct {
	S3API
	buckets map[string]*fakeBucket

	putTagging    *s3.PutBucketTaggingInput
	putEncryption *s3.PutBucketEncryptionInput
}

func (f *fakeS3) bucket(name *string) (*fakeBucket, error) {
	b, ok := f.buckets[aws.ToString(name)]
	if !ok {
		return nil, apiErr("NoSuchBucket")
	}
	if b.forbidden {
		return nil, apiErr("AccessDenied")
	}
	return b, nil
}

func (f *fakeS3) ListBuckets(ctx context.Context, in *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	out := &s3.ListBucketsOutput{}
	for _, name := range []string{"a", "b", "c"} {
		if _, ok := f.buckets[name]; ok {
			out.Buckets = append(out.Buckets, s3types.Bucket{Name: aws.String(name)})
		}
	}
	return out, nil
}

func (f *fakeS3) GetBucketLocation(ctx context.Context, in *s3.GetBucketLocationInput, _ ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error) {
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	return &s3.GetBucketLocationOutput{LocationConstraint: s3types.BucketLocationConstraint(b.region)}, nil
}

func (f *fakeS3) GetBucketTagging(ctx context.Context, in *s3.GetBucketTaggingInput, _ ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	if len(b.tags) == 0 {
		return nil, apiErr("NoSuchTagSet")
	}
	return &s3.GetBucketTaggingOutput{TagSet: b.tags}, nil
}

func (f *fakeS3) PutBucketTagging(ctx context.Context, in *s3.PutBucketTaggingInput, _ ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	f.putTagging = in
	b.tags = in.Tagging.TagSet
	return &s3.PutBucketTaggingOutput{}, nil
}

func (f *fakeS3) GetBucketEncryption(ctx context.Context, in *s3.GetBucketEncryptionInput, _ ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error) {
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	if b.sse == nil {
		return nil, apiErr("ServerSideEncryptionConfigurationNotFoundError")
	}
	return &s3.GetBucketEncryptionOutput{ServerSideEncryptionConfiguration: b.sse}, nil
}

func (f *fakeS3) PutBucketEncryption(ctx context.Context, in *s3.PutBucketEncryptionInput, _ ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error) {
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	f.putEncryption = in
	b.sse = in.ServerSideEncryptionConfiguration
	return &s3.PutBucketEncryptionOutput{}, nil
}

func (f *fakeS3) GetBucketPolicyStatus(ctx context.Context, in *s3.GetBucketPolicyStatusInput, _ ...func(*s3.Options)) (*s3.GetBucketPolicyStatusOutput, error) {
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	return &s3.GetBucketPolicyStatusOutput{PolicyStatus: &s3types.PolicyStatus{IsPublic: aws.Bool(b.policy != "")}}, nil
}

func (f *fakeS3) GetBucketPolicy(ctx context.Context, in *s3.GetBucketPolicyInput, _ ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	if b.policy == "" {
		return nil, apiErr("NoSuchBucketPolicy")
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(b.policy)}, nil
}

func (f *fakeS3) PutBucketPolicy(ctx context.Context, in *s3.PutBucketPolicyInput, _ ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	b.policy = aws.ToString(in.Policy)
	return &s3.PutBucketPolicyOutput{}, nil
}

func (f *fakeS3) DeleteBucketPolicy(ctx context.Context, in *s3.DeleteBucketPolicyInput, _ ...func(*s3.Options)) (*s3.DeleteBucketPolicyOutput, error) {
	b, err := f.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	if b.policy == "" {
		return nil, apiErr("NoSuchBucketPolicy")
	}
	b.policy = ""
	return &s3.DeleteBucketPolicyOutput{}, nil
}

type fakeEC2 struct {
	EC2API
	volumes    map[string]ec2types.Volume
	createTags []*ec2.CreateTagsInput
}

func (f *fakeEC2) DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	out := &ec2.DescribeVolumesOutput{}
	for _, id := range in.VolumeIds {
		v, ok := f.volumes[id]
		if !ok {
			return nil, apiErr("InvalidVolume.NotFound")
		}
		out.Volumes = append(out.Volumes, v)
	}
	return out, nil
}

func (f *fakeEC2) CreateTags(ctx context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.createTags = append(f.createTags, in)
	return &ec2.CreateTagsOutput{}, nil
}

type fakeSQS struct {
	SQSAPI
	attrs    map[string]string
	tags     map[string]string
	setAttrs *sqs.SetQueueAttributesInput
	lookups  int
}

func (f *fakeSQS) GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.lookups++
	return &sqs.GetQueueUrlOutput{
		QueueUrl: aws.String("https://sqs.eu-west-1.amazonaws.com/" + aws.ToString(in.QueueOwnerAWSAccountId) + "/" + aws.ToString(in.QueueName)),
	}, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: f.attrs}, nil
}

func (f *fakeSQS) ListQueueTags(ctx context.Context, in *sqs.ListQueueTagsInput, _ ...func(*sqs.Options)) (*sqs.ListQueueTagsOutput, error) {
	return &sqs.ListQueueTagsOutput{Tags: f.tags}, nil
}

func (f *fakeSQS) SetQueueAttributes(ctx context.Context, in *sqs.SetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error) {
	f.setAttrs = in
	return &sqs.SetQueueAttributesOutput{}, nil
}

type fakeDynamoDB struct {
	DynamoDBAPI
	table  *ddbtypes.TableDescription
	update *dynamodb.UpdateTableInput
}

func (f *fakeDynamoDB) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.table == nil {
		return nil, apiErr("ResourceNotFoundException")
	}
	return &dynamodb.DescribeTableOutput{Table: f.table}, nil
}

func (f *fakeDynamoDB) ListTagsOfResource(ctx context.Context, in *dynamodb.ListTagsOfResourceInput, _ ...func(*dynamodb.Options)) (*dynamodb.ListTagsOfResourceOutput, error) {
	return &dynamodb.ListTagsOfResourceOutput{
		Tags: []ddbtypes.Tag{{Key: aws.String("team"), Value: aws.String("orders")}},
	}, nil
}

func (f *fakeDynamoDB) UpdateTable(ctx context.Context, in *dynamodb.UpdateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error) {
	f.update = in
	return &dynamodb.UpdateTableOutput{}, nil
}

type fakeKMS struct {
	keys  map[string]*kmstypes.KeyMetadata
	calls int
}

func (f *fakeKMS) DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	f.calls++
	meta, ok := f.keys[aws.ToString(in.KeyId)]
	if !ok {
		return nil, apiErr("NotFoundException")
	}
	return &kms.DescribeKeyOutput{KeyMetadata: meta}, nil
}

const keyARN = "arn:aws:kms:eu-west-1:111122223333:key/1234abcd"

func newTestAdapter() (*Adapter, *fakeS3, *fakeEC2, *fakeSQS, *fakeDynamoDB, *fakeKMS) {
	s3c := &fakeS3{buckets: map[string]*fakeBucket{}}
	ec2c := &fakeEC2{volumes: map[string]ec2types.Volume{}}
	sqsc := &fakeSQS{attrs: map[string]string{}, tags: map[string]string{}}
	ddbc := &fakeDynamoDB{}
	kmsc := &fakeKMS{keys: map[string]*kmstypes.KeyMetadata{
		"alias/remedy": {
			Arn:      aws.String(keyARN),
			Enabled:  true,
			KeyState: kmstypes.KeyStateEnabled,
			KeyUsage: kmstypes.KeyUsageTypeEncryptDecrypt,
		},
		"alias/retired": {
			Arn:      aws.String("arn:aws:kms:eu-west-1:111122223333:key/dead"),
			Enabled:  false,
			KeyState: kmstypes.KeyStateDisabled,
		},
	}}

	a := New(Clients{S3: s3c, EC2: ec2c, SQS: sqsc, DynamoDB: ddbc, KMS: kmsc}, "eu-west-1", "111122223333")
	return a, s3c, ec2c, sqsc, ddbc, kmsc
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		ref     providers.ResourceRef
		service service
		id      string
	}{
		{"bucket name", providers.ResourceRef{ID: "bucket-42", Type: types.ResourceBucket}, serviceS3, "bucket-42"},
		{"bucket arn", providers.ResourceRef{ID: "arn:aws:s3:::bucket-42", Type: types.ResourceTagged}, serviceS3, "bucket-42"},
		{"object arn", providers.ResourceRef{ID: "arn:aws:s3:::bucket-42/key", Type: types.ResourceTagged}, serviceUnknown, "arn:aws:s3:::bucket-42/key"},
		{"volume", providers.ResourceRef{ID: "vol-0abc12345678", Type: types.ResourceEncryptable}, serviceEBS, "vol-0abc12345678"},
		{"volume arn", providers.ResourceRef{ID: "arn:aws:ec2:eu-west-1:111122223333:volume/vol-7", Type: types.ResourceEncryptable}, serviceEBS, "vol-7"},
		{"instance", providers.ResourceRef{ID: "i-0123456789abcdef0", Type: types.ResourceTagged}, serviceEC2, "i-0123456789abcdef0"},
		{"instance arn", providers.ResourceRef{ID: "arn:aws:ec2:eu-west-1:111122223333:instance/i-0123456789abcdef0", Type: types.ResourceTagged}, serviceEC2, "i-0123456789abcdef0"},
		{"queue url", providers.ResourceRef{ID: "https://sqs.eu-west-1.amazonaws.com/111122223333/jobs", Type: types.ResourceEncryptable}, serviceSQS, "https://sqs.eu-west-1.amazonaws.com/111122223333/jobs"},
		{"queue arn", providers.ResourceRef{ID: "arn:aws:sqs:eu-west-1:111122223333:jobs", Type: types.ResourceEncryptable}, serviceSQS, "arn:aws:sqs:eu-west-1:111122223333:jobs"},
		{"table arn", providers.ResourceRef{ID: "arn:aws:dynamodb:eu-west-1:111122223333:table/orders", Type: types.ResourceEncryptable}, serviceDynamoDB, "arn:aws:dynamodb:eu-west-1:111122223333:table/orders"},
		{"unknown", providers.ResourceRef{ID: "something", Type: types.ResourceTagged}, serviceUnknown, "something"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, id := resolve(tt.ref)
			assert.Equal(t, tt.service, svc)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		transient bool
	}{
		{"no such bucket", apiErr("NoSuchBucket"), true, false},
		{"ec2 not found suffix", apiErr("InvalidVolume.NotFound"), true, false},
		{"throttled", apiErr("ThrottlingException"), false, true},
		{"slow down", apiErr("SlowDown"), false, true},
		{"server fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, false, true},
		{"access denied", apiErr("AccessDenied"), false, false},
		{"deadline", context.DeadlineExceeded, false, true},
		{"unclassified", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("Op", "res-1", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.notFound, providers.IsNotFound(err))
			assert.Equal(t, tt.transient, providers.IsTransient(err))
			assert.Equal(t, !tt.notFound && !tt.transient, providers.IsPermanent(err))
		})
	}

	assert.NoError(t, classify("Op", "res-1", nil))
}

func TestAdapter_InspectBucket(t *testing.T) {
	a, s3c, _, _, _, _ := newTestAdapter()
	s3c.buckets["bucket-42"] = &fakeBucket{region: "eu-west-1", policy: publicDoc}

	raw, err := a.GetResource(context.Background(), providers.ResourceRef{ID: "bucket-42", Type: types.ResourceBucket})
	require.NoError(t, err)

	assert.Equal(t, "bucket-42", raw.ID)
	assert.Equal(t, types.ResourceBucket, raw.Type)
	assert.Equal(t, "eu-west-1", raw.Region)
	assert.Empty(t, raw.Tags)
	assert.NotNil(t, raw.Tags, "an untagged bucket has a known empty tag set")
	require.NotNil(t, raw.Encrypted)
	assert.False(t, *raw.Encrypted)
	require.NotNil(t, raw.Public)
	assert.True(t, *raw.Public)
	assert.Equal(t, true, raw.Attributes[attrBucketPolicyIsPublic])
}

func TestAdapter_InspectBucket_DefaultRegionAndEncryption(t *testing.T) {
	a, s3c, _, _, _, _ := newTestAdapter()
	s3c.buckets["logs"] = &fakeBucket{
		tags: []s3types.Tag{{Key: aws.String("owner"), Value: aws.String("infra")}},
		sse: &s3types.ServerSideEncryptionConfiguration{Rules: []s3types.ServerSideEncryptionRule{{
			ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{SSEAlgorithm: s3types.ServerSideEncryptionAes256},
		}}},
	}

	raw, err := a.GetResource(context.Background(), providers.ResourceRef{ID: "logs", Type: types.ResourceBucket})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", raw.Region)
	assert.Equal(t, map[string]string{"owner": "infra"}, raw.Tags)
	assert.True(t, *raw.Encrypted)
	assert.False(t, *raw.Public)
	assert.Equal(t, "AES256", raw.Attributes[attrBucketSSEAlgorithm])
}

func TestAdapter_MissingBucketIsNotFound(t *testing.T) {
	a, _, _, _, _, _ := newTestAdapter()
	_, err := a.GetResource(context.Background(), providers.ResourceRef{ID: "gone", Type: types.ResourceBucket})
	assert.True(t, providers.IsNotFound(err))
}

func TestAdapter_AddTagsMergesBucketTags(t *testing.T) {
	a, s3c, _, _, _, _ := newTestAdapter()
	s3c.buckets["bucket-42"] = &fakeBucket{tags: []s3types.Tag{
		{Key: aws.String("team"), Value: aws.String("data")},
		{Key: aws.String("owner"), Value: aws.String("old")},
	}}

	err := a.AddTags(context.Background(), providers.ResourceRef{ID: "bucket-42", Type: types.ResourceBucket},
		map[string]string{"owner": "unassigned"})
	require.NoError(t, err)

	require.NotNil(t, s3c.putTagging)
	assert.Equal(t, map[string]string{"owner": "unassigned", "team": "data"}, tagMap(s3c.putTagging.Tagging.TagSet))
	assert.Equal(t, "owner", aws.ToString(s3c.putTagging.Tagging.TagSet[0].Key), "tag set is sorted")
}

func TestAdapter_EnableBucketEncryption(t *testing.T) {
	ctx := context.Background()
	ref := providers.ResourceRef{ID: "bucket-42", Type: types.ResourceBucket}

	t.Run("kms key", func(t *testing.T) {
		a, s3c, _, _, _, kmsc := newTestAdapter()
		s3c.buckets["bucket-42"] = &fakeBucket{}

		require.NoError(t, a.EnableEncryption(ctx, ref, "alias/remedy"))
		require.NoError(t, a.EnableEncryption(ctx, ref, "alias/remedy"))

		def := s3c.putEncryption.ServerSideEncryptionConfiguration.Rules[0].ApplyServerSideEncryptionByDefault
		assert.Equal(t, s3types.ServerSideEncryptionAwsKms, def.SSEAlgorithm)
		assert.Equal(t, keyARN, aws.ToString(def.KMSMasterKeyID))
		assert.Equal(t, 1, kmsc.calls, "key resolution is cached")
	})

	t.Run("service managed", func(t *testing.T) {
		a, s3c, _, _, _, kmsc := newTestAdapter()
		s3c.buckets["bucket-42"] = &fakeBucket{}

		require.NoError(t, a.EnableEncryption(ctx, ref, ""))
		def := s3c.putEncryption.ServerSideEncryptionConfiguration.Rules[0].ApplyServerSideEncryptionByDefault
		assert.Equal(t, s3types.ServerSideEncryptionAes256, def.SSEAlgorithm)
		assert.Zero(t, kmsc.calls)
	})

	t.Run("unusable key", func(t *testing.T) {
		a, s3c, _, _, _, _ := newTestAdapter()
		s3c.buckets["bucket-42"] = &fakeBucket{}

		err := a.EnableEncryption(ctx, ref, "alias/retired")
		assert.True(t, providers.IsPermanent(err))

		err = a.EnableEncryption(ctx, ref, "alias/missing")
		assert.True(t, providers.IsPermanent(err))
		assert.False(t, providers.IsNotFound(err), "a missing key does not make the bucket gone")
		assert.Nil(t, s3c.putEncryption)
	})
}

func TestAdapter_BucketPolicy(t *testing.T) {
	ctx := context.Background()
	a, s3c, _, _, _, _ := newTestAdapter()
	s3c.buckets["bucket-42"] = &fakeBucket{}

	doc, err := a.GetBucketPolicy(ctx, "bucket-42")
	require.NoError(t, err)
	assert.Empty(t, doc)
	assert.NoError(t, a.DeleteBucketPolicy(ctx, "bucket-42"), "deleting an absent policy succeeds")

	require.NoError(t, a.PutBucketPolicy(ctx, "bucket-42", publicDoc))
	doc, err = a.GetBucketPolicy(ctx, "bucket-42")
	require.NoError(t, err)
	assert.Equal(t, publicDoc, doc)
}

func TestAdapter_BucketsSkipsUnreadable(t *testing.T) {
	a, s3c, _, _, _, _ := newTestAdapter()
	s3c.buckets["a"] = &fakeBucket{region: "eu-west-1"}
	s3c.buckets["b"] = &fakeBucket{forbidden: true}
	s3c.buckets["c"] = &fakeBucket{sse: &s3types.ServerSideEncryptionConfiguration{Rules: []s3types.ServerSideEncryptionRule{{
		ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{SSEAlgorithm: s3types.ServerSideEncryptionAwsKms},
	}}}}

	buckets, err := a.Buckets(context.Background())
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	assert.Equal(t, "a", buckets[0].Name)
	assert.Equal(t, "eu-west-1", buckets[0].Region)
	assert.False(t, *buckets[0].Encrypted)
	assert.Equal(t, "c", buckets[1].Name)
	assert.Equal(t, "us-east-1", buckets[1].Region)
	assert.True(t, *buckets[1].Encrypted)
}

func TestAdapter_Volume(t *testing.T) {
	ctx := context.Background()
	a, _, ec2c, _, _, _ := newTestAdapter()
	ec2c.volumes["vol-7"] = ec2types.Volume{
		VolumeId:         aws.String("vol-7"),
		AvailabilityZone: aws.String("eu-west-1b"),
		Encrypted:        aws.Bool(true),
		State:            ec2types.VolumeStateInUse,
		Tags:             []ec2types.Tag{{Key: aws.String("owner"), Value: aws.String("db")}},
	}
	ec2c.volumes["vol-8"] = ec2types.Volume{VolumeId: aws.String("vol-8"), State: ec2types.VolumeStateDeleted}
	ref := providers.ResourceRef{ID: "vol-7", Type: types.ResourceEncryptable}

	raw, err := a.GetResource(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", raw.Region)
	assert.True(t, *raw.Encrypted)
	assert.Equal(t, map[string]string{"owner": "db"}, raw.Tags)

	_, err = a.GetResource(ctx, providers.ResourceRef{ID: "vol-8", Type: types.ResourceEncryptable})
	assert.True(t, providers.IsNotFound(err))
	_, err = a.GetResource(ctx, providers.ResourceRef{ID: "vol-9", Type: types.ResourceEncryptable})
	assert.True(t, providers.IsNotFound(err))

	err = a.EnableEncryption(ctx, ref, "")
	assert.True(t, providers.IsPermanent(err), "volumes cannot be encrypted in place")

	require.NoError(t, a.AddTags(ctx, ref, map[string]string{"owner": "db", "cost-center": "42"}))
	require.Len(t, ec2c.createTags, 1)
	assert.Equal(t, []string{"vol-7"}, ec2c.createTags[0].Resources)
	assert.Len(t, ec2c.createTags[0].Tags, 2)
}

func TestAdapter_Queue(t *testing.T) {
	ctx := context.Background()
	a, _, _, sqsc, _, _ := newTestAdapter()
	sqsc.tags["team"] = "jobs"
	ref := providers.ResourceRef{ID: "arn:aws:sqs:eu-west-1:111122223333:jobs", Type: types.ResourceEncryptable}

	raw, err := a.GetResource(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ref.ID, raw.ID)
	assert.Equal(t, "eu-west-1", raw.Region)
	assert.False(t, *raw.Encrypted)
	assert.False(t, *raw.Public)
	assert.Equal(t, "https://sqs.eu-west-1.amazonaws.com/111122223333/jobs", raw.Attributes["queue_url"])
	assert.Equal(t, 1, sqsc.lookups)

	require.NoError(t, a.EnableEncryption(ctx, ref, "alias/remedy"))
	assert.Equal(t, map[string]string{"KmsMasterKeyId": keyARN}, sqsc.setAttrs.Attributes)

	sqsc.attrs["SqsManagedSseEnabled"] = "true"
	raw, err = a.GetResource(ctx, ref)
	require.NoError(t, err)
	assert.True(t, *raw.Encrypted)
}

func TestAdapter_Table(t *testing.T) {
	ctx := context.Background()
	a, _, _, _, ddbc, _ := newTestAdapter()
	tableARN := "arn:aws:dynamodb:eu-west-1:111122223333:table/orders"
	ref := providers.ResourceRef{ID: tableARN, Type: types.ResourceEncryptable}

	_, err := a.GetResource(ctx, ref)
	assert.True(t, providers.IsNotFound(err))

	ddbc.table = &ddbtypes.TableDescription{TableArn: aws.String(tableARN), TableStatus: ddbtypes.TableStatusActive}
	raw, err := a.GetResource(ctx, ref)
	require.NoError(t, err)
	assert.False(t, *raw.Encrypted, "the AWS owned key does not count")
	assert.Equal(t, "eu-west-1", raw.Region)
	assert.Equal(t, map[string]string{"team": "orders"}, raw.Tags)

	require.NoError(t, a.EnableEncryption(ctx, ref, ""))
	require.NotNil(t, ddbc.update.SSESpecification)
	assert.True(t, aws.ToBool(ddbc.update.SSESpecification.Enabled))
	assert.Equal(t, ddbtypes.SSETypeKms, ddbc.update.SSESpecification.SSEType)
	assert.Nil(t, ddbc.update.SSESpecification.KMSMasterKeyId)

	ddbc.table.SSEDescription = &ddbtypes.SSEDescription{Status: ddbtypes.SSEStatusEnabled, SSEType: ddbtypes.SSETypeKms}
	raw, err = a.GetResource(ctx, ref)
	require.NoError(t, err)
	assert.True(t, *raw.Encrypted)
}

func TestAdapter_UnsupportedResource(t *testing.T) {
	a, _, _, _, _, _ := newTestAdapter()
	ref := providers.ResourceRef{ID: "something", Type: types.ResourceTagged}

	_, err := a.GetResource(context.Background(), ref)
	assert.True(t, providers.IsPermanent(err))
	assert.True(t, providers.IsPermanent(a.AddTags(context.Background(), ref, map[string]string{"a": "b"})))
	assert.NoError(t, a.AddTags(context.Background(), ref, nil), "nothing to add is a no-op")
}

func TestRegionHelpers(t *testing.T) {
	assert.Equal(t, "us-east-1", regionOfZone("us-east-1a"))
	assert.Equal(t, "", regionOfZone(""))
	assert.Equal(t, "eu-west-1", queueRegion("https://sqs.eu-west-1.amazonaws.com/111122223333/jobs"))
	assert.Equal(t, "", queueRegion("http://localhost:4566/000000000000/jobs"))
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, providers.Names(), ProviderName)
	assert.Equal(t, ProviderName, New(Clients{}, "", "").Name())
}
