package aws

import (
	"context"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/yairfalse/remedy/bucketpolicy"
	"github.com/yairfalse/remedy/providers"
)

// queueURL turns an id (queue URL or queue ARN) into the URL the SQS API expects
func (a *Adapter) queueURL(ctx context.Context, id string) (string, error) {
	if !arn.IsARN(id) {
		return id, nil
	}
	parsed, err := arn.Parse(id)
	if err != nil {
		return "", providers.Permanent("GetQueueUrl", err)
	}

	input := &sqs.GetQueueUrlInput{QueueName: aws.String(parsed.Resource)}
	if parsed.AccountID != "" {
		input.QueueOwnerAWSAccountId = aws.String(parsed.AccountID)
	}
	out, err := a.sqs.GetQueueUrl(ctx, input)
	if err != nil {
		return "", classify("GetQueueUrl", id, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

// inspectQueue reads a queue's server-side encryption, access policy and tags
func (a *Adapter) inspectQueue(ctx context.Context, id string) (providers.RawResource, error) {
	url, err := a.queueURL(ctx, id)
	if err != nil {
		return providers.RawResource{}, err
	}

	attrOut, err := a.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameKmsMasterKeyId,
			sqstypes.QueueAttributeNameSqsManagedSseEnabled,
			sqstypes.QueueAttributeNamePolicy,
			sqstypes.QueueAttributeNameQueueArn,
		},
	})
	if err != nil {
		return providers.RawResource{}, classify("GetQueueAttributes", id, err)
	}

	tagOut, err := a.sqs.ListQueueTags(ctx, &sqs.ListQueueTagsInput{QueueUrl: aws.String(url)})
	if err != nil {
		return providers.RawResource{}, classify("ListQueueTags", id, err)
	}

	attrs := attrOut.Attributes
	kmsKey := attrs[string(sqstypes.QueueAttributeNameKmsMasterKeyId)]
	sqsManaged, _ := strconv.ParseBool(attrs[string(sqstypes.QueueAttributeNameSqsManagedSseEnabled)])

	raw := providers.RawResource{
		ID:        id,
		Region:    queueRegion(url),
		Tags:      tagMap(tagOut.Tags),
		Encrypted: aws.Bool(kmsKey != "" || sqsManaged),
		Attributes: map[string]any{
			"queue_url": url,
			"queue_arn": attrs[string(sqstypes.QueueAttributeNameQueueArn)],
		},
	}
	if kmsKey != "" {
		raw.Attributes["kms_key_id"] = kmsKey
	}

	// An unparseable access policy leaves exposure unknown
	if public, err := bucketpolicy.IsPublicDocument(attrs[string(sqstypes.QueueAttributeNamePolicy)]); err == nil {
		raw.Public = aws.Bool(public)
	}
	return raw, nil
}

// tagQueue adds tags; TagQueue leaves other keys alone
func (a *Adapter) tagQueue(ctx context.Context, id string, tags map[string]string) error {
	url, err := a.queueURL(ctx, id)
	if err != nil {
		return err
	}
	_, err = a.sqs.TagQueue(ctx, &sqs.TagQueueInput{
		QueueUrl: aws.String(url),
		Tags:     tags,
	})
	return classify("TagQueue", id, err)
}

// encryptQueue turns on SSE-KMS with keyARN, or SSE-SQS when no key is configured
func (a *Adapter) encryptQueue(ctx context.Context, id, keyARN string) error {
	url, err := a.queueURL(ctx, id)
	if err != nil {
		return err
	}

	attrs := map[string]string{
		string(sqstypes.QueueAttributeNameSqsManagedSseEnabled): "true",
	}
	if keyARN != "" {
		attrs = map[string]string{
			string(sqstypes.QueueAttributeNameKmsMasterKeyId): keyARN,
		}
	}

	_, err = a.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(url),
		Attributes: attrs,
	})
	return classify("SetQueueAttributes", id, err)
}

// queueRegion reads the region from https://sqs.<region>.amazonaws.com/<account>/<name>
func queueRegion(url string) string {
	host := url
	if _, rest, ok := strings.Cut(url, "://"); ok {
		host = rest
	}
	host, _, _ = strings.Cut(host, "/")
	parts := strings.Split(host, ".")
	if len(parts) >= 3 && parts[0] == "sqs" {
		return parts[1]
	}
	return ""
}
