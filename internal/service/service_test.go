package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/developingchet/bastion-access/internal/config"
	"github.com/developingchet/bastion-access/internal/lease"
	"github.com/developingchet/bastion-access/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSG        = "sg-0123"
	testACL       = "acl-0456"
	testParameter = "/bastion/instance-id"
	testInstance  = "i-0bastion"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxLeaseHours:        8,
		BastionParameter:     testParameter,
		SecurityGroupID:      testSG,
		NetworkACLID:         testACL,
		SchedulerRoleARN:     "arn:aws:iam::123456789012:role/scheduler",
		SchedulerTargetARN:   "arn:aws:lambda:us-east-1:123456789012:function:bastion-access",
		SchedulerGroupName:   "default",
		ScheduleNameTemplate: "remove-access-{{.Address}}-{{.Service}}",
		ScheduleDescription:  "Schedule to remove Bastion access after timeout",
		PowerPollInterval:    time.Millisecond,
		PowerTimeout:         time.Second,
		AgentPollInterval:    time.Millisecond,
		AgentPollAttempts:    2,
		PoolWorkers:          1,
		Backend:              config.BackendLocal,
		LocalInstanceID:      testInstance,
		JanitorInterval:      time.Hour,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

func newTestService(t *testing.T) (*Service, *testutil.MockCloud) {
	t.Helper()
	mock := testutil.NewMockCloud()
	mock.SetParameter(testParameter, testInstance)
	mock.SetInstance(testInstance, cloud.StateStopped)
	mock.SetAgent(testInstance, true)

	svc, err := New(testConfig(), mock, zerolog.Nop())
	require.NoError(t, err)
	return svc, mock
}

func sqsBatch(t *testing.T, bodies map[string]string) json.RawMessage {
	t.Helper()
	type record struct {
		MessageID string `json:"messageId"`
		Body      string `json:"body"`
	}
	var batch struct {
		Records []record `json:"Records"`
	}
	for id, body := range bodies {
		batch.Records = append(batch.Records, record{MessageID: id, Body: body})
	}
	raw, err := json.Marshal(batch)
	require.NoError(t, err)
	return raw
}

func TestNew_BadTemplate(t *testing.T) {
	cfg := testConfig()
	cfg.ScheduleNameTemplate = "{{.Nope"
	_, err := New(cfg, testutil.NewMockCloud(), zerolog.Nop())
	assert.Error(t, err)
}

func TestHandle_QueueBatch(t *testing.T) {
	svc, mock := newTestService(t)

	raw := sqsBatch(t, map[string]string{
		"msg-1": `{"ip_address":"203.0.113.7","service":"ssh","lease_request":2}`,
		"msg-2": `{"ip_address":"198.51.100.9","service":"rdp"}`,
		"msg-3": `not json`,
	})

	resp, err := svc.Handle(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, processingComplete, resp)

	perms := mock.Permissions(testSG)
	require.Len(t, perms, 2)
	entries := mock.Entries(testACL)
	require.Len(t, entries, 2)

	scheds := mock.Schedules()
	assert.Contains(t, scheds, "remove-access-203-0-113-7-ssh")
	assert.Contains(t, scheds, "remove-access-198-51-100-9-rdp")
	assert.Equal(t, cloud.StateRunning, mock.State(testInstance))
}

func TestHandle_QueueRecordFailureDoesNotStopBatch(t *testing.T) {
	svc, mock := newTestService(t)

	raw := sqsBatch(t, map[string]string{
		"msg-1": `{"ip_address":"not-an-ip","service":"ssh"}`,
		"msg-2": `{"ip_address":"203.0.113.7","service":"telnet"}`,
		"msg-3": `{"ip_address":"192.0.2.10","service":"ssh"}`,
	})

	resp, err := svc.Handle(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	perms := mock.Permissions(testSG)
	require.Len(t, perms, 1)
	assert.Equal(t, []string{"192.0.2.10/32"}, perms[0].CIDRs)
}

func TestHandle_EmptyBatch(t *testing.T) {
	svc, mock := newTestService(t)
	resp, err := svc.Handle(context.Background(), json.RawMessage(`{"Records":[]}`))
	require.NoError(t, err)
	assert.Equal(t, processingComplete, resp)
	assert.Zero(t, mock.Calls("ListIngress"))
}

func TestHandle_RemovalEvent(t *testing.T) {
	svc, mock := newTestService(t)

	grant := sqsBatch(t, map[string]string{"msg-1": `{"ip_address":"203.0.113.7","service":"ssh"}`})
	_, err := svc.Handle(context.Background(), grant)
	require.NoError(t, err)

	sched := mock.Schedules()["remove-access-203-0-113-7-ssh"]
	require.NotEmpty(t, sched.Input)

	// The scheduled payload is delivered back unchanged.
	resp, err := svc.Handle(context.Background(), json.RawMessage(sched.Input))
	require.NoError(t, err)
	assert.Equal(t, processingComplete, resp)
	assert.Empty(t, mock.Permissions(testSG))
	assert.Empty(t, mock.Entries(testACL))
}

func TestHandle_ShutdownEvent(t *testing.T) {
	svc, mock := newTestService(t)
	mock.SetInstance(testInstance, cloud.StateRunning)

	raw := json.RawMessage(`{"detail-type":"Scheduled Event","detail":{"action":"shutdown_bastion"}}`)
	resp, err := svc.Handle(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, processingComplete, resp)
	assert.Equal(t, cloud.StateStopped, mock.State(testInstance))
}

func TestHandle_UnknownFormats(t *testing.T) {
	svc, mock := newTestService(t)

	for _, raw := range []string{
		`{"foo":"bar"}`,
		`not json`,
		`{"detail-type":"x","detail":{"action":"reboot"}}`,
		`{"detail-type":"x","detail":"oops"}`,
	} {
		resp, err := svc.Handle(context.Background(), json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, processingComplete, resp, raw)
	}
	assert.Zero(t, mock.Calls("AuthorizeIngress"))
	assert.Zero(t, mock.Calls("StopInstance"))
}

func TestHandle_FailuresStillAcknowledge(t *testing.T) {
	svc, mock := newTestService(t)
	mock.SetStickyError("Parameter", &cloud.ErrNotFound{Resource: "parameter", ID: testParameter})

	raw := sqsBatch(t, map[string]string{"msg-1": `{"ip_address":"203.0.113.7","service":"ssh"}`})
	resp, err := svc.Handle(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, processingComplete, resp)
	assert.Empty(t, mock.Permissions(testSG))

	ev, err := json.Marshal(lease.Event{DetailType: "Scheduled Event", Detail: lease.Detail{Action: lease.ActionShutdownBastion}})
	require.NoError(t, err)
	resp, err = svc.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, processingComplete, resp)
}

func TestResponse_Shape(t *testing.T) {
	b, err := json.Marshal(processingComplete)
	require.NoError(t, err)
	assert.JSONEq(t, `{"statusCode":200,"body":"Processing complete"}`, string(b))
}

func TestString(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Contains(t, svc.String(), "sg="+testSG)
	assert.Contains(t, svc.String(), "acl="+testACL)
}
