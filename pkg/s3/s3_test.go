package s3

import (
	"errors"
	"net/http"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"typed not found", &s3types.NotFound{}, ErrNotFound},
		{"no such key code", &smithy.GenericAPIError{Code: "NoSuchKey"}, ErrNotFound},
		{"precondition code", &smithy.GenericAPIError{Code: "PreconditionFailed"}, ErrPreconditionFailed},
		{
			"http 412",
			&smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusPreconditionFailed}}, Err: errors.New("boom")},
			ErrPreconditionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	other := errors.New("connection reset")
	if got := classify(other); got != other {
		t.Fatalf("unrelated errors must pass through, got %v", got)
	}
	if classify(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestMD5FromETag(t *testing.T) {
	tests := map[string]string{
		`"d41d8cd98f00b204e9800998ecf8427e"`:   "1B2M2Y8AsgTpgAmY7PhCfg==",
		`"d41d8cd98f00b204e9800998ecf8427e-2"`: "",
		`not-hex-not-hex-not-hex-not-hex!`:     "",
	}
	for etag, want := range tests {
		if got := md5FromETag(etag); got != want {
			t.Fatalf("md5FromETag(%s) = %q, want %q", etag, got, want)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := objectKey("/admin/stor/logs/a.log"); got != "admin/stor/logs/a.log" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Endpoint: "s3.local:8333", AccessKey: "a", SecretKey: "s", Bucket: "logs"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for name, cfg := range map[string]Config{
		"no endpoint": {AccessKey: "a", SecretKey: "s", Bucket: "logs"},
		"no secret":   {Endpoint: "x", AccessKey: "a", Bucket: "logs"},
		"no bucket":   {Endpoint: "x", AccessKey: "a", SecretKey: "s"},
	} {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
