package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/remedy/bucketpolicy"
	"github.com/yairfalse/remedy/providers"
	"github.com/yairfalse/remedy/providers/memory"
	"github.com/yairfalse/remedy/retry"
	"github.com/yairfalse/remedy/telemetry"
	"github.com/yairfalse/remedy/types"
)

const (
	ruleOwnerTag  = "bucket-owner-tag"
	rulePrivate   = "bucket-private"
	ruleEncrypted = "volume-encrypted"
)

var testRules = map[string]types.PolicyRule{
	ruleOwnerTag: {
		RuleID:       ruleOwnerTag,
		AppliesTo:    types.ResourceBucket,
		RequiredFix:  types.ActionFixTags,
		RequiredTags: map[string]string{"owner": "unassigned", "env": "unknown"},
	},
	rulePrivate: {
		RuleID:      rulePrivate,
		AppliesTo:   types.ResourceBucket,
		RequiredFix: types.ActionFixPublicAccess,
	},
	ruleEncrypted: {
		RuleID:      ruleEncrypted,
		AppliesTo:   types.ResourceEncryptable,
		RequiredFix: types.ActionFixEncryption,
		KMSKeyID:    "alias/remedy-default",
	},
}

func lookup(id string) (types.PolicyRule, bool) {
	r, ok := testRules[id]
	return r, ok
}

func testRetrier() *retry.Controller {
	return retry.NewController(retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, retry.WithLogger(telemetry.Nop()))
}

func describe(t *testing.T, cloud *memory.Cloud, id string, rt types.ResourceType) types.ResourceDescriptor {
	t.Helper()
	d, err := providers.BuildDescriptor(context.Background(), types.ChangeEvent{
		EventID:        "evt-" + id,
		ResourceID:     id,
		ResourceType:   rt,
		EventTimestamp: time.Now(),
	}, cloud)
	require.NoError(t, err)
	return d
}

func violation(id, ruleID string, kind types.ActionKind) types.Violation {
	return types.Violation{ResourceID: id, RuleID: ruleID, Kind: kind, DetectedAt: time.Now()}
}

func TestTagFixer_AddsOnlyMissingKeysThenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "bucket-42", Type: types.ResourceBucket, Tags: map[string]string{"owner": "alice"}})

	fixer := NewTagFixer(lookup, testRetrier(), Options{})
	v := violation("bucket-42", ruleOwnerTag, types.ActionFixTags)

	out := fixer.Remediate(ctx, v, describe(t, cloud, "bucket-42", types.ResourceBucket), cloud)
	assert.Equal(t, types.StatusApplied, out.Status)
	assert.Equal(t, []string{"added tag env=unknown"}, out.Changes)
	assert.Equal(t, 2, out.AttemptCount)
	assert.False(t, out.FinishedAt.Before(out.StartedAt))

	stored, _ := cloud.Get("bucket-42")
	assert.Equal(t, map[string]string{"owner": "alice", "env": "unknown"}, stored.Tags)

	cloud.Reset()
	out = fixer.Remediate(ctx, v, describe(t, cloud, "bucket-42", types.ResourceBucket), cloud)
	assert.Equal(t, types.StatusAlreadyCompliant, out.Status)
	assert.Zero(t, cloud.MutationCalls())
}

func TestTagFixer_DecidesOnFreshState(t *testing.T) {
	ctx := context.Background()
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "bucket-42", Type: types.ResourceBucket})
	stale := describe(t, cloud, "bucket-42", types.ResourceBucket)

	// Someone tags the bucket between evaluation and remediation
	cloud.Put(memory.Resource{ID: "bucket-42", Type: types.ResourceBucket,
		Tags: map[string]string{"owner": "", "env": "prod"}})

	out := NewTagFixer(lookup, testRetrier(), Options{}).
		Remediate(ctx, violation("bucket-42", ruleOwnerTag, types.ActionFixTags), stale, cloud)
	assert.Equal(t, types.StatusAlreadyCompliant, out.Status)
	assert.Zero(t, cloud.Calls(memory.OpAddTags))

	stored, _ := cloud.Get("bucket-42")
	assert.Equal(t, "", stored.Tags["owner"])
}

func TestTagFixer_UnknownRule(t *testing.T) {
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "bucket-42", Type: types.ResourceBucket})

	out := NewTagFixer(lookup, testRetrier(), Options{}).Remediate(context.Background(),
		violation("bucket-42", "nope", types.ActionFixTags),
		describe(t, cloud, "bucket-42", types.ResourceBucket), cloud)
	assert.Equal(t, types.StatusFailedPermanent, out.Status)
	assert.Contains(t, out.Error, "unknown rule")
	assert.Zero(t, cloud.MutationCalls())
}

func TestEncryptionFixer_AppliesThenAlreadyCompliant(t *testing.T) {
	ctx := context.Background()
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "vol-9", Type: types.ResourceEncryptable, Encrypted: types.Bool(false)})

	fixer := NewEncryptionFixer(lookup, testRetrier(), Options{})
	v := violation("vol-9", ruleEncrypted, types.ActionFixEncryption)

	out := fixer.Remediate(ctx, v, describe(t, cloud, "vol-9", types.ResourceEncryptable), cloud)
	require.Equal(t, types.StatusApplied, out.Status, out.Error)
	assert.Equal(t, []string{"enabled encryption with key alias/remedy-default"}, out.Changes)

	stored, _ := cloud.Get("vol-9")
	require.NotNil(t, stored.Encrypted)
	assert.True(t, *stored.Encrypted)
	assert.Equal(t, "alias/remedy-default", stored.KMSKeyID)

	cloud.Reset()
	out = fixer.Remediate(ctx, v, describe(t, cloud, "vol-9", types.ResourceEncryptable), cloud)
	assert.Equal(t, types.StatusAlreadyCompliant, out.Status)
	assert.Zero(t, cloud.MutationCalls())
}

func TestEncryptionFixer_DefaultKey(t *testing.T) {
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "bucket-1", Type: types.ResourceBucket})
	rules := func(id string) (types.PolicyRule, bool) {
		return types.PolicyRule{RuleID: id, RequiredFix: types.ActionFixEncryption}, true
	}

	out := NewEncryptionFixer(rules, testRetrier(), Options{DefaultKMSKeyID: "alias/fallback"}).
		Remediate(context.Background(), violation("bucket-1", "any", types.ActionFixEncryption),
			describe(t, cloud, "bucket-1", types.ResourceBucket), cloud)
	require.Equal(t, types.StatusApplied, out.Status)

	stored, _ := cloud.Get("bucket-1")
	assert.Equal(t, "alias/fallback", stored.KMSKeyID)
}

func TestEncryptionFixer_PermanentFailureIsNotRetried(t *testing.T) {
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "vol-9", Type: types.ResourceEncryptable, Encrypted: types.Bool(false)})
	cloud.FailAlways(memory.OpEnableEncryption, providers.Permanent("EnableEncryption", errors.New("AccessDenied")))

	out := NewEncryptionFixer(lookup, testRetrier(), Options{}).Remediate(context.Background(),
		violation("vol-9", ruleEncrypted, types.ActionFixEncryption),
		describe(t, cloud, "vol-9", types.ResourceEncryptable), cloud)

	assert.Equal(t, types.StatusFailedPermanent, out.Status)
	assert.Contains(t, out.Error, "AccessDenied")
	assert.Equal(t, 1, cloud.Calls(memory.OpEnableEncryption))
	assert.Equal(t, 2, out.AttemptCount)
}

func TestEncryptionFixer_ExhaustedRetriesAreRetryable(t *testing.T) {
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "vol-9", Type: types.ResourceEncryptable, Encrypted: types.Bool(false)})
	cloud.FailTransient(memory.OpEnableEncryption, 10)

	out := NewEncryptionFixer(lookup, testRetrier(), Options{}).Remediate(context.Background(),
		violation("vol-9", ruleEncrypted, types.ActionFixEncryption),
		describe(t, cloud, "vol-9", types.ResourceEncryptable), cloud)

	assert.Equal(t, types.StatusFailedRetryable, out.Status)
	assert.Equal(t, 3, cloud.Calls(memory.OpEnableEncryption))
	assert.Equal(t, 4, out.AttemptCount)
}

func TestFixers_ResourceGoneIsCompliantByAbsence(t *testing.T) {
	ctx := context.Background()

	t.Run("before inspection", func(t *testing.T) {
		cloud := memory.New()
		cloud.Put(memory.Resource{ID: "vol-9", Type: types.ResourceEncryptable, Encrypted: types.Bool(false)})
		d := describe(t, cloud, "vol-9", types.ResourceEncryptable)
		cloud.Remove("vol-9")

		out := NewEncryptionFixer(lookup, testRetrier(), Options{}).
			Remediate(ctx, violation("vol-9", ruleEncrypted, types.ActionFixEncryption), d, cloud)
		assert.Equal(t, types.StatusAlreadyCompliant, out.Status)
		assert.True(t, out.ResourceGone)
		assert.Zero(t, cloud.MutationCalls())
	})

	t.Run("during mutation", func(t *testing.T) {
		cloud := memory.New()
		cloud.Put(memory.Resource{ID: "bucket-42", Type: types.ResourceBucket})
		d := describe(t, cloud, "bucket-42", types.ResourceBucket)
		cloud.OnCall(memory.OpAddTags, func(ref providers.ResourceRef) { cloud.Remove(ref.ID) })

		out := NewTagFixer(lookup, testRetrier(), Options{}).
			Remediate(ctx, violation("bucket-42", ruleOwnerTag, types.ActionFixTags), d, cloud)
		assert.Equal(t, types.StatusAlreadyCompliant, out.Status)
		assert.True(t, out.ResourceGone)
		assert.Equal(t, 1, cloud.Calls(memory.OpAddTags))
	})
}

const mixedBucketPolicy = `{"Version":"2012-10-17","Statement":[
	{"Sid":"PublicRead","Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::bucket-42/*"},
	{"Sid":"TeamWrite","Effect":"Allow","Principal":{"AWS":"arn:aws:iam::123456789012:role/team"},"Action":"s3:PutObject","Resource":"arn:aws:s3:::bucket-42/*"}]}`

func TestPolicyFixer_RemovesOnlyPublicStatements(t *testing.T) {
	ctx := context.Background()
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "bucket-42", Type: types.ResourceBucket, Policy: mixedBucketPolicy})

	fixer := NewPolicyFixer(lookup, testRetrier(), Options{})
	v := violation("bucket-42", rulePrivate, types.ActionFixPublicAccess)

	out := fixer.Remediate(ctx, v, describe(t, cloud, "bucket-42", types.ResourceBucket), cloud)
	require.Equal(t, types.StatusApplied, out.Status, out.Error)
	assert.Equal(t, []string{"removed public statement PublicRead"}, out.Changes)
	assert.Equal(t, 1, cloud.Calls(memory.OpPutBucketPolicy))
	assert.Zero(t, cloud.Calls(memory.OpDeleteBucketPolicy))

	stored, _ := cloud.Get("bucket-42")
	var doc struct {
		Statement []json.RawMessage
	}
	require.NoError(t, json.Unmarshal([]byte(stored.Policy), &doc))
	require.Len(t, doc.Statement, 1)
	assert.JSONEq(t, `{"Sid":"TeamWrite","Effect":"Allow","Principal":{"AWS":"arn:aws:iam::123456789012:role/team"},"Action":"s3:PutObject","Resource":"arn:aws:s3:::bucket-42/*"}`,
		string(doc.Statement[0]))

	public, err := bucketpolicy.IsPublicDocument(stored.Policy)
	require.NoError(t, err)
	assert.False(t, public)

	cloud.Reset()
	out = fixer.Remediate(ctx, v, describe(t, cloud, "bucket-42", types.ResourceBucket), cloud)
	assert.Equal(t, types.StatusAlreadyCompliant, out.Status)
	assert.Zero(t, cloud.MutationCalls())
}

func TestPolicyFixer_DeletesPolicyLeftEmpty(t *testing.T) {
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "bucket-42", Type: types.ResourceBucket,
		Policy: `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"*"}]}`})

	out := NewPolicyFixer(lookup, testRetrier(), Options{}).Remediate(context.Background(),
		violation("bucket-42", rulePrivate, types.ActionFixPublicAccess),
		describe(t, cloud, "bucket-42", types.ResourceBucket), cloud)
	require.Equal(t, types.StatusApplied, out.Status)
	assert.Contains(t, out.Changes, "deleted empty bucket policy")
	assert.Equal(t, 1, cloud.Calls(memory.OpDeleteBucketPolicy))
	assert.Zero(t, cloud.Calls(memory.OpPutBucketPolicy))

	stored, _ := cloud.Get("bucket-42")
	assert.Empty(t, stored.Policy)
}

func TestPolicyFixer_Failures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		resource memory.Resource
		want     types.OutcomeStatus
	}{
		{"no policy", memory.Resource{ID: "b", Type: types.ResourceBucket}, types.StatusAlreadyCompliant},
		{"unparseable policy", memory.Resource{ID: "b", Type: types.ResourceBucket, Policy: "{broken"}, types.StatusFailedPermanent},
		{"not a bucket", memory.Resource{ID: "b", Type: types.ResourceTagged}, types.StatusFailedPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cloud := memory.New()
			cloud.Put(tt.resource)
			d := describe(t, cloud, "b", tt.resource.Type)

			out := NewPolicyFixer(lookup, testRetrier(), Options{}).
				Remediate(ctx, violation("b", rulePrivate, types.ActionFixPublicAccess), d, cloud)
			assert.Equal(t, tt.want, out.Status)
			assert.Zero(t, cloud.MutationCalls())
		})
	}
}

func TestDryRun_ReportsChangesWithoutMutating(t *testing.T) {
	ctx := context.Background()
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "bucket-42", Type: types.ResourceBucket, Policy: mixedBucketPolicy})
	cloud.Put(memory.Resource{ID: "vol-9", Type: types.ResourceEncryptable, Encrypted: types.Bool(false)})

	engine := NewEngine(lookup, testRetrier(), Options{DryRun: true})
	assert.True(t, engine.DryRun())

	bucket := describe(t, cloud, "bucket-42", types.ResourceBucket)
	for _, v := range []types.Violation{
		violation("bucket-42", ruleOwnerTag, types.ActionFixTags),
		violation("bucket-42", rulePrivate, types.ActionFixPublicAccess),
	} {
		out := engine.Remediate(ctx, v, bucket, cloud)
		assert.Equal(t, types.StatusApplied, out.Status, v.RuleID)
		assert.True(t, out.DryRun)
		assert.NotEmpty(t, out.Changes)
	}

	out := engine.Remediate(ctx, violation("vol-9", ruleEncrypted, types.ActionFixEncryption),
		describe(t, cloud, "vol-9", types.ResourceEncryptable), cloud)
	assert.True(t, out.DryRun)

	assert.Zero(t, cloud.MutationCalls())
	stored, _ := cloud.Get("bucket-42")
	assert.Equal(t, mixedBucketPolicy, stored.Policy)
}

type panickyFixer struct{}

func (panickyFixer) Kind() types.ActionKind { return types.ActionFixTags }

func (panickyFixer) Remediate(context.Context, types.Violation, types.ResourceDescriptor, API) types.RemediationOutcome {
	panic("boom")
}

func TestEngine_Dispatch(t *testing.T) {
	ctx := context.Background()
	cloud := memory.New()
	cloud.Put(memory.Resource{ID: "bucket-42", Type: types.ResourceBucket})
	d := describe(t, cloud, "bucket-42", types.ResourceBucket)

	engine := NewEngine(lookup, testRetrier(), Options{})
	for _, kind := range []types.ActionKind{types.ActionFixTags, types.ActionFixEncryption, types.ActionFixPublicAccess} {
		f, ok := engine.Fixer(kind)
		require.True(t, ok)
		assert.Equal(t, kind, f.Kind())
	}

	out := engine.Remediate(ctx, violation("bucket-42", ruleOwnerTag, types.ActionFixTags), d, cloud)
	assert.Equal(t, types.StatusApplied, out.Status)
	assert.Equal(t, types.ResourceBucket, out.ResourceType)

	out = engine.Remediate(ctx, violation("bucket-42", ruleOwnerTag, "fix-everything"), d, cloud)
	assert.Equal(t, types.StatusFailedPermanent, out.Status)
	assert.Contains(t, out.Error, "no fixer")

	engine.Register(panickyFixer{})
	out = engine.Remediate(ctx, violation("bucket-42", ruleOwnerTag, types.ActionFixTags), d, cloud)
	assert.Equal(t, types.StatusFailedPermanent, out.Status)
	assert.Contains(t, out.Error, "boom")
	assert.False(t, out.FinishedAt.IsZero())
}
