package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/yairfalse/remedy/providers"
)

// resolveKey turns a key id, alias or ARN into the key ARN and checks the
// key can be used. Results are cached for the life of the adapter. An empty
// id resolves to "" (service-managed encryption).
func (a *Adapter) resolveKey(ctx context.Context, keyID string) (string, error) {
	if keyID == "" {
		return "", nil
	}

	a.mu.Lock()
	cached, ok := a.keys[keyID]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	if a.kms == nil {
		return keyID, nil
	}

	out, err := a.kms.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		classified := classify("DescribeKey", keyID, err)
		if providers.IsNotFound(classified) {
			// the resource being fixed still exists; only the key is missing
			return "", providers.Permanent("DescribeKey", fmt.Errorf("key %s not found: %s", keyID, errorCode(err)))
		}
		return "", classified
	}

	meta := out.KeyMetadata
	if meta == nil {
		return "", providers.Permanent("DescribeKey", fmt.Errorf("key %s has no metadata", keyID))
	}
	if !meta.Enabled || meta.KeyState != kmstypes.KeyStateEnabled {
		return "", providers.Permanent("DescribeKey", fmt.Errorf("key %s is %s", keyID, meta.KeyState))
	}
	if meta.KeyUsage != "" && meta.KeyUsage != kmstypes.KeyUsageTypeEncryptDecrypt {
		return "", providers.Permanent("DescribeKey", fmt.Errorf("key %s has usage %s", keyID, meta.KeyUsage))
	}

	keyARN := aws.ToString(meta.Arn)
	if keyARN == "" {
		keyARN = keyID
	}

	a.mu.Lock()
	a.keys[keyID] = keyARN
	a.mu.Unlock()
	return keyARN, nil
}
