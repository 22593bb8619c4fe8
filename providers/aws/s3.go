package aws

import (
	"context"
	"errors"
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/yairfalse/remedy/bucketpolicy"
	"github.com/yairfalse/remedy/providers"
)

const (
	codeNoSuchTagSet         = "NoSuchTagSet"
	codeNoEncryptionConfig   = "ServerSideEncryptionConfigurationNotFoundError"
	codeNoSuchBucketPolicy   = "NoSuchBucketPolicy"
	codeAccessDenied         = "AccessDenied"
	defaultBucketRegion      = "us-east-1"
	attrBucketSSEAlgorithm   = "sse_algorithm"
	attrBucketKMSKeyID       = "kms_key_id"
	attrBucketPolicyIsPublic = "policy_status_public"
)

// inspectBucket reads tags, default encryption and policy exposure
func (a *Adapter) inspectBucket(ctx context.Context, bucket string) (providers.RawResource, error) {
	region, err := a.bucketRegion(ctx, bucket)
	if err != nil {
		return providers.RawResource{}, err
	}

	tags, err := a.bucketTags(ctx, bucket)
	if err != nil {
		return providers.RawResource{}, err
	}

	attrs := map[string]any{}
	encrypted, err := a.bucketEncryption(ctx, bucket, attrs)
	if err != nil {
		return providers.RawResource{}, err
	}

	doc, err := a.GetBucketPolicy(ctx, bucket)
	if err != nil {
		return providers.RawResource{}, err
	}
	public, err := bucketpolicy.IsPublicDocument(doc)
	if err != nil {
		return providers.RawResource{}, providers.Permanent("GetBucketPolicy", err)
	}

	// S3's own verdict also accounts for access points and ACL-free grants
	// the document parser does not model. It is informational only.
	if status, err := a.s3.GetBucketPolicyStatus(ctx, &s3.GetBucketPolicyStatusInput{Bucket: aws.String(bucket)}); err == nil && status.PolicyStatus != nil {
		attrs[attrBucketPolicyIsPublic] = aws.ToBool(status.PolicyStatus.IsPublic)
	}

	return providers.RawResource{
		ID:         bucket,
		Region:     region,
		Tags:       tags,
		Encrypted:  aws.Bool(encrypted),
		Public:     aws.Bool(public),
		Attributes: attrs,
	}, nil
}

func (a *Adapter) bucketRegion(ctx context.Context, bucket string) (string, error) {
	out, err := a.s3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(bucket)})
	if err != nil {
		return "", classify("GetBucketLocation", bucket, err)
	}
	if out.LocationConstraint == "" {
		return defaultBucketRegion, nil
	}
	return string(out.LocationConstraint), nil
}

func (a *Adapter) bucketTags(ctx context.Context, bucket string) (map[string]string, error) {
	out, err := a.s3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(bucket)})
	if err != nil {
		if errorCode(err) == codeNoSuchTagSet {
			return map[string]string{}, nil
		}
		return nil, classify("GetBucketTagging", bucket, err)
	}
	return tagMap(out.TagSet), nil
}

func (a *Adapter) bucketEncryption(ctx context.Context, bucket string, attrs map[string]any) (bool, error) {
	out, err := a.s3.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(bucket)})
	if err != nil {
		if errorCode(err) == codeNoEncryptionConfig {
			return false, nil
		}
		return false, classify("GetBucketEncryption", bucket, err)
	}
	if out.ServerSideEncryptionConfiguration == nil {
		return false, nil
	}
	for _, rule := range out.ServerSideEncryptionConfiguration.Rules {
		def := rule.ApplyServerSideEncryptionByDefault
		if def == nil || def.SSEAlgorithm == "" {
			continue
		}
		attrs[attrBucketSSEAlgorithm] = string(def.SSEAlgorithm)
		if def.KMSMasterKeyID != nil {
			attrs[attrBucketKMSKeyID] = aws.ToString(def.KMSMasterKeyID)
		}
		return true, nil
	}
	return false, nil
}

// tagBucket merges tags into the bucket's tag set. PutBucketTagging replaces
// the whole set, so existing keys are read back first.
func (a *Adapter) tagBucket(ctx context.Context, bucket string, tags map[string]string) error {
	current, err := a.bucketTags(ctx, bucket)
	if err != nil {
		return err
	}
	merged := maps.Clone(current)
	maps.Copy(merged, tags)

	tagSet := make([]s3types.Tag, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		tagSet = append(tagSet, s3types.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}

	_, err = a.s3.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(bucket),
		Tagging: &s3types.Tagging{TagSet: tagSet},
	})
	return classify("PutBucketTagging", bucket, err)
}

// encryptBucket sets default encryption: SSE-KMS with keyARN, or SSE-S3
// when no key is configured
func (a *Adapter) encryptBucket(ctx context.Context, bucket, keyARN string) error {
	def := &s3types.ServerSideEncryptionByDefault{SSEAlgorithm: s3types.ServerSideEncryptionAes256}
	rule := s3types.ServerSideEncryptionRule{ApplyServerSideEncryptionByDefault: def}
	if keyARN != "" {
		def.SSEAlgorithm = s3types.ServerSideEncryptionAwsKms
		def.KMSMasterKeyID = aws.String(keyARN)
		rule.BucketKeyEnabled = aws.Bool(true)
	}

	_, err := a.s3.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(bucket),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{rule},
		},
	})
	return classify("PutBucketEncryption", bucket, err)
}

// GetBucketPolicy implements providers.Inspector
func (a *Adapter) GetBucketPolicy(ctx context.Context, bucket string) (string, error) {
	out, err := a.s3.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
	if err != nil {
		if errorCode(err) == codeNoSuchBucketPolicy {
			return "", nil
		}
		return "", classify("GetBucketPolicy", bucket, err)
	}
	return aws.ToString(out.Policy), nil
}

// PutBucketPolicy implements providers.Mutator
func (a *Adapter) PutBucketPolicy(ctx context.Context, bucket, document string) error {
	_, err := a.s3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(document),
	})
	return classify("PutBucketPolicy", bucket, err)
}

// DeleteBucketPolicy implements providers.Mutator. Deleting an absent
// policy succeeds.
func (a *Adapter) DeleteBucketPolicy(ctx context.Context, bucket string) error {
	_, err := a.s3.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{Bucket: aws.String(bucket)})
	if errorCode(err) == codeNoSuchBucketPolicy {
		return nil
	}
	return classify("DeleteBucketPolicy", bucket, err)
}

// Buckets implements providers.BucketLister. Buckets the caller may not
// read are skipped with a warning instead of failing the sweep.
func (a *Adapter) Buckets(ctx context.Context) ([]providers.BucketSummary, error) {
	var (
		summaries []providers.BucketSummary
		token     *string
	)
	for {
		out, err := a.s3.ListBuckets(ctx, &s3.ListBucketsInput{ContinuationToken: token})
		if err != nil {
			return nil, classify("ListBuckets", "", err)
		}

		for _, bucket := range out.Buckets {
			summary, err := a.summarizeBucket(ctx, bucket)
			if err != nil {
				if errorCode(err) == codeAccessDenied {
					a.logger.Warn().
						Str("bucket", aws.ToString(bucket.Name)).
						Err(err).
						Msg("skipping unreadable bucket")
					continue
				}
				if providers.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			summaries = append(summaries, summary)
		}

		if aws.ToString(out.ContinuationToken) == "" {
			return summaries, nil
		}
		token = out.ContinuationToken
	}
}

func (a *Adapter) summarizeBucket(ctx context.Context, bucket s3types.Bucket) (providers.BucketSummary, error) {
	name := aws.ToString(bucket.Name)
	if name == "" {
		return providers.BucketSummary{}, errors.New("bucket without a name")
	}

	region := aws.ToString(bucket.BucketRegion)
	if region == "" {
		r, err := a.bucketRegion(ctx, name)
		if err != nil {
			return providers.BucketSummary{}, err
		}
		region = r
	}

	summary := providers.BucketSummary{Name: name, Region: region}
	encrypted, err := a.bucketEncryption(ctx, name, map[string]any{})
	if err == nil {
		summary.Encrypted = aws.Bool(encrypted)
	} else if errorCode(err) != codeAccessDenied {
		return providers.BucketSummary{}, err
	}
	return summary, nil
}
