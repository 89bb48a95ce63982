package configstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

const ottoJSON = `{
	"personaId": "otto-the-otter",
	"systemPromptTemplate": "You are Otto, a playful river otter.",
	"personalityDescription": "Playful, curious, loves fish.",
	"model": "gpt-mock",
	"temperature": 0.7,
	"topP": 0.9,
	"maxTokens": 256
}`

type fakeSSM struct {
	mu     sync.Mutex
	values map[string]string
	errs   []error // consumed in order; nil entries mean success
	calls  int
	names  []string
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.names = append(f.names, aws.ToString(in.Name))

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	val, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Value: aws.String(val)},
	}, nil
}

func newTestClient(t *testing.T, f *fakeSSM, ttl time.Duration) *Client {
	t.Helper()
	c, err := New(f, "/animalchat", ttl, nil)
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "/animalchat", time.Minute, nil)
	require.Error(t, err)

	_, err = New(&fakeSSM{}, "  ", time.Minute, nil)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// GetParameter
// ---------------------------------------------------------------------------

func TestGetParameter(t *testing.T) {
	f := &fakeSSM{values: map[string]string{"/animalchat/openai-token": `{"token":"sk"}`}}
	c := newTestClient(t, f, 0)

	val, err := c.GetParameter(context.Background(), "/animalchat/openai-token")
	require.NoError(t, err)
	require.Equal(t, `{"token":"sk"}`, val)
}

func TestGetParameter_EmptyName(t *testing.T) {
	c := newTestClient(t, &fakeSSM{}, 0)
	_, err := c.GetParameter(context.Background(), "  ")
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// GetPersonaConfig
// ---------------------------------------------------------------------------

func TestGetPersonaConfig_FetchesAndDecodes(t *testing.T) {
	f := &fakeSSM{values: map[string]string{"/animalchat/personas/otto-the-otter": ottoJSON}}
	c := newTestClient(t, f, time.Minute)

	cfg, err := c.GetPersonaConfig(context.Background(), "otto-the-otter")
	require.NoError(t, err)
	require.Equal(t, "otto-the-otter", cfg.PersonaID)
	require.Equal(t, "gpt-mock", cfg.Model)
	require.Equal(t, 0.7, cfg.Temperature)
	require.Equal(t, 256, cfg.MaxTokens)
	require.Equal(t, []string{"/animalchat/personas/otto-the-otter"}, f.names)
}

func TestGetPersonaConfig_NotFound(t *testing.T) {
	c := newTestClient(t, &fakeSSM{values: map[string]string{}}, time.Minute)

	_, err := c.GetPersonaConfig(context.Background(), "no-such-animal")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetPersonaConfig_EmptyID(t *testing.T) {
	c := newTestClient(t, &fakeSSM{}, time.Minute)
	_, err := c.GetPersonaConfig(context.Background(), " ")
	require.Error(t, err)
}

func TestGetPersonaConfig_InvalidDocument(t *testing.T) {
	bad := `{"personaId":"otto","model":"gpt-mock","temperature":9,"topP":0.9,"maxTokens":100}`
	f := &fakeSSM{values: map[string]string{"/animalchat/personas/otto": bad}}
	c := newTestClient(t, f, time.Minute)

	_, err := c.GetPersonaConfig(context.Background(), "otto")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid")
}

func TestGetPersonaConfig_MalformedJSON(t *testing.T) {
	f := &fakeSSM{values: map[string]string{"/animalchat/personas/otto": `{"broken`}}
	c := newTestClient(t, f, time.Minute)

	_, err := c.GetPersonaConfig(context.Background(), "otto")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}

func TestGetPersonaConfig_CachesWithinTTL(t *testing.T) {
	f := &fakeSSM{values: map[string]string{"/animalchat/personas/otto-the-otter": ottoJSON}}
	c := newTestClient(t, f, time.Minute)

	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := c.GetPersonaConfig(context.Background(), "otto-the-otter")
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.calls, "cache must absorb repeat reads within the TTL")

	now = now.Add(time.Minute)
	_, err := c.GetPersonaConfig(context.Background(), "otto-the-otter")
	require.NoError(t, err)
	require.Equal(t, 2, f.calls, "expired entries must be refetched")
}

func TestGetPersonaConfig_ZeroTTLDisablesCache(t *testing.T) {
	f := &fakeSSM{values: map[string]string{"/animalchat/personas/otto-the-otter": ottoJSON}}
	c := newTestClient(t, f, 0)

	_, err := c.GetPersonaConfig(context.Background(), "otto-the-otter")
	require.NoError(t, err)
	_, err = c.GetPersonaConfig(context.Background(), "otto-the-otter")
	require.NoError(t, err)
	require.Equal(t, 2, f.calls)
}

func TestGetPersonaConfig_RetriesTransientFailureOnce(t *testing.T) {
	f := &fakeSSM{
		values: map[string]string{"/animalchat/personas/otto-the-otter": ottoJSON},
		errs:   []error{errors.New("throttled"), nil},
	}
	c := newTestClient(t, f, time.Minute)

	cfg, err := c.GetPersonaConfig(context.Background(), "otto-the-otter")
	require.NoError(t, err)
	require.Equal(t, "otto-the-otter", cfg.PersonaID)
	require.Equal(t, 2, f.calls)
}

func TestGetPersonaConfig_DoesNotRetryNotFound(t *testing.T) {
	c := newTestClient(t, &fakeSSM{values: map[string]string{}}, time.Minute)

	_, err := c.GetPersonaConfig(context.Background(), "no-such-animal")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetPersonaConfig_BothFetchesFail(t *testing.T) {
	f := &fakeSSM{
		values: map[string]string{"/animalchat/personas/otto-the-otter": ottoJSON},
		errs:   []error{errors.New("throttled"), errors.New("still throttled")},
	}
	c := newTestClient(t, f, time.Minute)

	_, err := c.GetPersonaConfig(context.Background(), "otto-the-otter")
	require.Error(t, err)
	require.Contains(t, err.Error(), "still throttled")
	require.Equal(t, 2, f.calls)
}

func TestGetPersonaConfig_ConcurrentMissesCollapse(t *testing.T) {
	f := &fakeSSM{values: map[string]string{"/animalchat/personas/otto-the-otter": ottoJSON}}
	c := newTestClient(t, f, time.Minute)

	// Hold every fetch until all goroutines are in flight so they pile up on
	// the same singleflight key.
	release := make(chan struct{})
	inner := c.api
	c.api = ssmFunc(func(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
		<-release
		return inner.GetParameter(ctx, in, opts...)
	})

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetPersonaConfig(context.Background(), "otto-the-otter")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.calls, "concurrent misses for one persona must share a single fetch")
}

type ssmFunc func(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)

func (f ssmFunc) GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return f(ctx, in, optFns...)
}
