package recordkey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casual-simulation/casualos-sub006/server/datastore/inmem"
	"github.com/casual-simulation/casualos-sub006/server/records"
)

func TestFormatAndParseV1Key(t *testing.T) {
	key := FormatV1Key("testRecord", "mySecret")

	parsed, ok := ParseKey(key)
	require.True(t, ok)
	assert.Equal(t, "testRecord", parsed.RecordName)
	assert.Equal(t, "mySecret", parsed.Secret)
	assert.Equal(t, records.PolicySubjectfull, parsed.Policy)
}

func TestFormatAndParseV2Key(t *testing.T) {
	for _, policy := range []records.PublicRecordKeyPolicy{records.PolicySubjectfull, records.PolicySubjectless} {
		key := FormatV2Key("testRecord", "mySecret", policy)

		parsed, ok := ParseKey(key)
		require.True(t, ok, "policy %s", policy)
		assert.Equal(t, "testRecord", parsed.RecordName)
		assert.Equal(t, "mySecret", parsed.Secret)
		assert.Equal(t, policy, parsed.Policy)
	}
}

func TestParseKeyRejectsMalformedInput(t *testing.T) {
	malformed := []string{
		"",
		"testRecord",
		"vRK1.",
		"vRK1.dGVzdA==",
		"vRK1..c2VjcmV0",
		"vRK1.dGVzdA==.c2VjcmV0.extra",
		"vRK2.dGVzdA==.c2VjcmV0",
		"vRK2.dGVzdA==.c2VjcmV0.unknownPolicy",
		"vRK2.!!!.c2VjcmV0.subjectfull",
		"vRK2.dGVzdA==.!!!.subjectless",
		"vRK3.dGVzdA==.c2VjcmV0",
	}
	for _, key := range malformed {
		parsed, ok := ParseKey(key)
		assert.False(t, ok, "expected %q to be rejected", key)
		assert.Nil(t, parsed)
		assert.False(t, IsRecordKey(key))
	}
}

func TestHashSecretIsDeterministicPerSalt(t *testing.T) {
	h1, err := HashSecret("secret", "salt")
	require.NoError(t, err)
	h2, err := HashSecret("secret", "salt")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := HashSecret("secret", "otherSalt")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	h4, err := HashSecret("otherSecret", "salt")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func setupValidator(t *testing.T) (*inmem.Datastore, *Validator) {
	t.Helper()
	ds := inmem.New()
	return ds, NewValidator(ds)
}

func TestValidateLegacyRecordSecret(t *testing.T) {
	ds, validator := setupValidator(t)

	hash, err := HashSecret("legacySecret", "salt")
	require.NoError(t, err)
	ds.AddRecord(&records.Record{
		Name:         "testRecord",
		SecretHashes: []string{hash},
		SecretSalt:   "salt",
	})

	result, err := validator.Validate(context.Background(), FormatV1Key("testRecord", "legacySecret"))
	require.NoError(t, err)
	assert.Equal(t, "testRecord", result.RecordName)
	assert.Equal(t, records.PolicySubjectfull, result.Policy)
	assert.Empty(t, result.CreatorID)
}

func TestValidateLegacySecretRejectsSubjectlessWrapping(t *testing.T) {
	ds, validator := setupValidator(t)

	hash, err := HashSecret("legacySecret", "salt")
	require.NoError(t, err)
	ds.AddRecord(&records.Record{
		Name:         "testRecord",
		SecretHashes: []string{hash},
		SecretSalt:   "salt",
	})

	// A legacy secret is implicitly subjectfull; re-wrapping it as a
	// subjectless key must fail.
	_, err = validator.Validate(context.Background(), FormatV2Key("testRecord", "legacySecret", records.PolicySubjectless))
	var invalid *records.InvalidRecordKeyError
	require.ErrorAs(t, err, &invalid)
}

func TestValidateIssuedRecordKey(t *testing.T) {
	ds, validator := setupValidator(t)

	ds.AddRecord(&records.Record{Name: "testRecord", SecretSalt: "salt"})
	hash, err := HashSecret("issuedSecret", "salt")
	require.NoError(t, err)
	ds.AddRecordKey(&records.RecordKey{
		RecordName: "testRecord",
		SecretHash: hash,
		Policy:     records.PolicySubjectless,
		CreatorID:  "creatorUser",
	})

	result, err := validator.Validate(context.Background(), FormatV2Key("testRecord", "issuedSecret", records.PolicySubjectless))
	require.NoError(t, err)
	assert.Equal(t, records.PolicySubjectless, result.Policy)
	assert.Equal(t, "creatorUser", result.CreatorID)
}

func TestValidateRejectsPolicyMismatch(t *testing.T) {
	ds, validator := setupValidator(t)

	ds.AddRecord(&records.Record{Name: "testRecord", SecretSalt: "salt"})
	hash, err := HashSecret("issuedSecret", "salt")
	require.NoError(t, err)
	ds.AddRecordKey(&records.RecordKey{
		RecordName: "testRecord",
		SecretHash: hash,
		Policy:     records.PolicySubjectless,
		CreatorID:  "creatorUser",
	})

	// The stored key is subjectless; presenting its secret inside a
	// subjectfull key string must fail.
	_, err = validator.Validate(context.Background(), FormatV2Key("testRecord", "issuedSecret", records.PolicySubjectfull))
	var invalid *records.InvalidRecordKeyError
	require.ErrorAs(t, err, &invalid)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	ds, validator := setupValidator(t)

	hash, err := HashSecret("rightSecret", "salt")
	require.NoError(t, err)
	ds.AddRecord(&records.Record{
		Name:         "testRecord",
		SecretHashes: []string{hash},
		SecretSalt:   "salt",
	})

	_, err = validator.Validate(context.Background(), FormatV1Key("testRecord", "wrongSecret"))
	var invalid *records.InvalidRecordKeyError
	require.ErrorAs(t, err, &invalid)
}

func TestValidateMissingRecord(t *testing.T) {
	_, validator := setupValidator(t)

	_, err := validator.Validate(context.Background(), FormatV1Key("missingRecord", "secret"))
	var notFound *records.RecordNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missingRecord", notFound.RecordName)
}

func TestValidateRejectsNonKeyInput(t *testing.T) {
	_, validator := setupValidator(t)

	_, err := validator.Validate(context.Background(), "just-a-record-name")
	var invalid *records.InvalidRecordKeyError
	require.ErrorAs(t, err, &invalid)
}
