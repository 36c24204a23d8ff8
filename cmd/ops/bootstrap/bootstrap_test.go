package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"notifyd/internal/config"
)

func alwaysValid(context.Context, string) ValidationResult {
	return ValidationResult{Valid: true, Message: "test-accepted"}
}

// newTestRunner wires a runner to mock SSM and stdin. Every validator in
// the inventory is replaced by alwaysValid.
func newTestRunner(mock *mockSSMClient, stdin string) (*BootstrapRunner, *bytes.Buffer) {
	stderr := &bytes.Buffer{}
	v := NewValidatorWithDeps(nil, nil, nil, nil)

	inventory := BuildInventory(v)
	for i := range inventory {
		inventory[i].ValidateFn = alwaysValid
	}

	return &BootstrapRunner{
		SSM:               NewSSMManagerWithClient(mock, "dev", slog.New(slog.NewTextHandler(io.Discard, nil))),
		Validator:         v,
		Stdin:             strings.NewReader(stdin),
		Stderr:            stderr,
		inventoryOverride: inventory,
		readFile: func(name string) ([]byte, error) {
			if name == "/keys/fcm.json" {
				return []byte(`{"type":"service_account"}`), nil
			}
			return nil, errors.New("no such file")
		},
	}, stderr
}

func notFound() *mockSSMClient {
	return &mockSSMClient{
		getParameterFn: func(context.Context, *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
			return nil, &ssmtypes.ParameterNotFound{Message: aws.String("not found")}
		},
	}
}

func putPaths(mock *mockSSMClient) map[string]string {
	out := map[string]string{}
	for _, c := range mock.putCalls {
		out[aws.ToString(c.Name)] = aws.ToString(c.Value)
	}
	return out
}

func TestBuildInventory_EnvVarsAreConfigVariables(t *testing.T) {
	inventory := BuildInventory(NewValidatorWithDeps(nil, nil, nil, nil))

	// Every parameter must feed a variable the loader actually reads.
	known := map[string]bool{}
	for _, name := range config.EnvVarNames() {
		known[name] = true
	}

	seen := map[string]bool{}
	for _, step := range inventory {
		if !known[step.EnvVar] {
			t.Errorf("%s feeds unknown variable %s", step.HumanLabel, step.EnvVar)
		}
		if seen[step.SSMCategoryKey] {
			t.Errorf("duplicate SSM key %s", step.SSMCategoryKey)
		}
		seen[step.SSMCategoryKey] = true
		if step.ValidateFn == nil {
			t.Errorf("%s has no validator", step.HumanLabel)
		}
	}
}

func TestRun_WritesRequiredAndSkipsEmptyOptional(t *testing.T) {
	mock := notFound()
	// AMQP, database, then Enter for every optional step.
	stdin := "amqps://u:p@mq/prod\npostgres://u:p@db/notifyd\n\n\n\n\n\n\n"
	runner, stderr := newTestRunner(mock, stdin)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v\n%s", err, stderr.String())
	}

	puts := putPaths(mock)
	if len(puts) != 2 {
		t.Fatalf("wrote %d parameters, want 2: %v", len(puts), puts)
	}
	if puts["/dev/notifyd/broker/amqp_url"] != "amqps://u:p@mq/prod" {
		t.Errorf("amqp url = %q", puts["/dev/notifyd/broker/amqp_url"])
	}
	if puts["/dev/notifyd/database/url"] != "postgres://u:p@db/notifyd" {
		t.Errorf("database url = %q", puts["/dev/notifyd/database/url"])
	}

	out := stderr.String()
	if !strings.Contains(out, "AMQP_URL_SSM_PARAM=/dev/notifyd/broker/amqp_url") {
		t.Errorf("summary should list SSM pointers:\n%s", out)
	}
	if strings.Contains(out, "amqps://u:p@mq/prod") {
		t.Error("secret value echoed to stderr")
	}
}

func TestRun_SkipOptional(t *testing.T) {
	mock := notFound()
	runner, _ := newTestRunner(mock, "amqp://mq\npostgres://db\n")
	runner.SkipOptional = true

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mock.putCalls) != 2 {
		t.Errorf("put calls = %d, want 2", len(mock.putCalls))
	}
}

func TestRun_ExistingParameterSkipOrOverwrite(t *testing.T) {
	mock := newMockSSMWithValues(map[string]string{
		"/dev/notifyd/broker/amqp_url": "amqp://old",
		"/dev/notifyd/database/url":    "postgres://old",
	})
	// Skip AMQP, overwrite database.
	runner, _ := newTestRunner(mock, "s\no\npostgres://new\n")
	runner.SkipOptional = true

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mock.putCalls) != 1 {
		t.Fatalf("put calls = %d, want 1", len(mock.putCalls))
	}
	call := mock.putCalls[0]
	if aws.ToString(call.Name) != "/dev/notifyd/database/url" || !aws.ToBool(call.Overwrite) {
		t.Errorf("unexpected put %s overwrite=%v", aws.ToString(call.Name), aws.ToBool(call.Overwrite))
	}
}

func TestRun_FCMKeyIsReadFromFile(t *testing.T) {
	mock := notFound()
	// Required steps, skip Redis/SES/SendGrid/Postmark/SMTP, then a bad and
	// a good key path.
	stdin := "amqp://mq\npostgres://db\n\n\n\n\n\n/missing.json\n/keys/fcm.json\n"
	runner, stderr := newTestRunner(mock, stdin)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v\n%s", err, stderr.String())
	}

	puts := putPaths(mock)
	if got := puts["/dev/notifyd/push/fcm_credentials"]; got != `{"type":"service_account"}` {
		t.Errorf("fcm credentials = %q", got)
	}
	if !strings.Contains(stderr.String(), "Could not read /missing.json") {
		t.Error("expected read failure to be reported")
	}
}

func TestRun_ValidationRetriesExhausted(t *testing.T) {
	mock := notFound()
	runner, _ := newTestRunner(mock, strings.Repeat("bad\n", maxRetries))
	runner.inventoryOverride[0].ValidateFn = func(context.Context, string) ValidationResult {
		return ValidationResult{Message: "nope"}
	}

	err := runner.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "maximum retries") {
		t.Fatalf("err = %v, want maximum retries", err)
	}
	if len(mock.putCalls) != 0 {
		t.Error("nothing should be written")
	}
}

func TestRun_RequiredEmptyInputCanBeSkipped(t *testing.T) {
	mock := notFound()
	runner, _ := newTestRunner(mock, "\ns\npostgres://db\n")
	runner.SkipOptional = true

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	puts := putPaths(mock)
	if _, ok := puts["/dev/notifyd/broker/amqp_url"]; ok {
		t.Error("skipped AMQP url should not be written")
	}
	if len(puts) != 1 {
		t.Errorf("puts = %v", puts)
	}
}
