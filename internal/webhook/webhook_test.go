package webhook

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runFailurePayload = `{
  "action": "completed",
  "repository": {"name": "widgets", "owner": {"login": "acme"}},
  "workflow_run": {
    "id": 555,
    "name": "CI",
    "status": "completed",
    "conclusion": "failure",
    "html_url": "https://github.com/acme/widgets/actions/runs/555",
    "created_at": "2026-02-01T10:00:00Z",
    "updated_at": "2026-02-01T10:05:00Z"
  }
}`

const jobFailurePayload = `{
  "action": "completed",
  "repository": {"name": "widgets", "owner": {"login": "acme"}},
  "workflow_job": {
    "id": 9001,
    "run_id": 555,
    "name": "test (ubuntu-latest)",
    "workflow_name": "CI",
    "status": "completed",
    "conclusion": "failure",
    "html_url": "https://github.com/acme/widgets/actions/runs/555/job/9001",
    "started_at": "2026-02-01T10:01:00Z",
    "completed_at": "2026-02-01T10:04:00Z"
  }
}`

func TestVerifier_AcceptsValidSignature(t *testing.T) {
	v := NewVerifier("s3cret")
	body := []byte(runFailurePayload)
	assert.NoError(t, v.Verify(body, v.Sign(body)))
}

func TestVerifier_RejectsEverySingleBitFlip(t *testing.T) {
	v := NewVerifier("s3cret")
	body := []byte(`{"action":"completed"}`)
	sig := v.Sign(body)

	for i := range body {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), body...)
			tampered[i] ^= 1 << bit
			err := v.Verify(tampered, sig)
			require.ErrorIs(t, err, ErrSignatureInvalid, "byte %d bit %d", i, bit)
		}
	}
}

func TestVerifier_RejectsBadHeaders(t *testing.T) {
	v := NewVerifier("s3cret")
	body := []byte(runFailurePayload)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"no prefix", v.Sign(body)[len("sha256="):]},
		{"wrong algorithm", "sha1=" + v.Sign(body)[len("sha256="):]},
		{"not hex", "sha256=zzzz"},
		{"other secret", NewVerifier("other").Sign(body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, v.Verify(body, tt.header), ErrSignatureInvalid)
		})
	}
}

func TestVerifier_PermissiveWithoutSecret(t *testing.T) {
	v := NewVerifier("")
	assert.True(t, v.Permissive())
	assert.NoError(t, v.Verify([]byte("anything"), ""))
	assert.NoError(t, v.Verify([]byte("anything"), "sha256=00"))
}

func TestNormalize_WorkflowRunFailure(t *testing.T) {
	n, err := Normalize(KindWorkflowRun, []byte(runFailurePayload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, n.Outcome)

	ev := n.Event
	assert.Equal(t, "acme", ev.Owner)
	assert.Equal(t, "widgets", ev.Repo)
	assert.Equal(t, int64(555), ev.ID)
	assert.Equal(t, "CI", ev.Name)
	assert.Equal(t, "failure", ev.Conclusion)
	assert.Equal(t, "https://github.com/acme/widgets/actions/runs/555", ev.HTMLURL)
	assert.Equal(t, 2026, ev.CreatedAt.Year())
	assert.True(t, ev.UpdatedAt.After(ev.CreatedAt))
}

func TestNormalize_WorkflowJobSharesRunKey(t *testing.T) {
	run, err := Normalize(KindWorkflowRun, []byte(runFailurePayload))
	require.NoError(t, err)
	job, err := Normalize(KindWorkflowJob, []byte(jobFailurePayload))
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, job.Outcome)
	assert.Equal(t, run.Event.ID, job.Event.ID)
	assert.Equal(t, "CI", job.Event.Name)
	assert.Equal(t, KindWorkflowJob, job.Event.Kind)
}

func TestNormalize_JobNameFallback(t *testing.T) {
	body := `{"action":"completed","repository":{"name":"w","owner":{"login":"a"}},
		"workflow_job":{"run_id":1,"name":"lint","conclusion":"failure"}}`
	n, err := Normalize(KindWorkflowJob, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "lint", n.Event.Name)
}

func TestNormalize_IgnoresNonFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"success", `{"action":"completed","repository":{"name":"w","owner":{"login":"a"}},"workflow_run":{"id":1,"conclusion":"success"}}`},
		{"in progress", `{"action":"in_progress","repository":{"name":"w","owner":{"login":"a"}},"workflow_run":{"id":1,"conclusion":"failure"}}`},
		{"requested", `{"action":"requested","repository":{"name":"w","owner":{"login":"a"}},"workflow_run":{"id":1,"conclusion":null}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Normalize(KindWorkflowRun, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, OutcomeIgnored, n.Outcome)
		})
	}
}

func TestNormalize_UnsupportedKind(t *testing.T) {
	for _, kind := range []string{"ping", "push", ""} {
		n, err := Normalize(kind, []byte("not even json"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnsupported, n.Outcome)
		assert.Nil(t, n.Event)
		assert.False(t, Supported(kind))
	}
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name string
		kind string
		body string
	}{
		{"invalid json", KindWorkflowRun, `{"action":`},
		{"missing repository", KindWorkflowRun, `{"action":"completed","workflow_run":{"id":1}}`},
		{"missing run", KindWorkflowRun, `{"action":"completed","repository":{"name":"w","owner":{"login":"a"}}}`},
		{"missing run id on job", KindWorkflowJob, `{"action":"completed","repository":{"name":"w","owner":{"login":"a"}},"workflow_job":{"id":3}}`},
		{"wrong type", KindWorkflowRun, `{"action":"completed","repository":{"name":"w","owner":{"login":"a"}},"workflow_run":{"id":"abc"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.kind, []byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPayloadMalformed))
		})
	}
}
