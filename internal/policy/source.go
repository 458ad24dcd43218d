package policy

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/weanime/weanime-gateway/internal/cryptoutil"
	"github.com/weanime/weanime-gateway/internal/log"
	"github.com/weanime/weanime-gateway/internal/xerrors"
)

// MaxDocumentBytes caps a downloaded or read policy document.
const MaxDocumentBytes = 1 << 20

const (
	SourceDefault = "default" // no document; built-in profiles
	SourceFile    = "file"
	SourceS3      = "s3"
)

// Loaded is a validated document and where it came from.
type Loaded struct {
	Document *Document
	Source   string
	SHA256   string
	// Location is the file path or s3:// URI.
	Location string
	Signed   bool
}

// LoadFile reads and validates a local policy document.
func LoadFile(path string) (*Loaded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(err, "policy: open")
	}
	defer f.Close()
	data, err := readCapped(f)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy: read %s", path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return &Loaded{Document: doc, Source: SourceFile, SHA256: cryptoutil.SHA256Hex(data), Location: path}, nil
}

func readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDocumentBytes {
		return nil, xerrors.Newf("document exceeds %d bytes", MaxDocumentBytes)
	}
	return data, nil
}

// SSMAPI is the part of the SSM client LoadRemote calls.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the part of the S3 client LoadRemote calls.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature; cryptoutil.KMSVerifier
// satisfies it.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type RemoteOptions struct {
	// SSMParam holds the hex SHA-256 of the current document.
	SSMParam string
	// Documents live at s3://Bucket/Prefix/<sha256>.yaml
	Bucket string
	Prefix string

	SSM SSMAPI
	S3  S3API
	// Verifier, when set, requires <sha256>.yaml.sig next to the document.
	Verifier SignatureVerifier
	Logger   log.Logger
}

func (o RemoteOptions) objectKey(hash string) string {
	if p := strings.Trim(o.Prefix, "/"); p != "" {
		return fmt.Sprintf("%s/%s.yaml", p, hash)
	}
	return hash + ".yaml"
}

// LoadRemote resolves the current digest from SSM, downloads the matching
// document from S3 and checks its digest (and signature when a Verifier is
// set) before parsing.
func LoadRemote(ctx context.Context, opts RemoteOptions) (*Loaded, error) {
	switch {
	case opts.SSMParam == "":
		return nil, xerrors.New("policy: SSMParam is required")
	case opts.Bucket == "":
		return nil, xerrors.New("policy: Bucket is required")
	case opts.SSM == nil || opts.S3 == nil:
		return nil, xerrors.New("policy: SSM and S3 clients are required")
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	hash, err := currentHash(ctx, opts)
	if err != nil {
		return nil, err
	}
	key := opts.objectKey(hash)
	L.Info(ctx, "downloading rate limit policy", "bucket", opts.Bucket, "key", key, "expected_hash", hash)

	data, err := getObject(ctx, opts, key)
	if err != nil {
		return nil, err
	}
	if got := cryptoutil.SHA256Hex(data); !cryptoutil.HashEqual(got, hash) {
		return nil, xerrors.Newf("policy: digest mismatch for %s: got %s, want %s", key, got, hash)
	}

	signed := false
	if opts.Verifier != nil {
		sig, err := getObject(ctx, opts, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "policy: fetch signature")
		}
		if err := opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrap(err, "policy: signature")
		}
		signed = true
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return &Loaded{
		Document: doc,
		Source:   SourceS3,
		SHA256:   strings.ToLower(hash),
		Location: fmt.Sprintf("s3://%s/%s", opts.Bucket, key),
		Signed:   signed,
	}, nil
}

func currentHash(ctx context.Context, opts RemoteOptions) (string, error) {
	out, err := opts.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "policy: get SSM parameter %s", opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("policy: SSM parameter %s has no value", opts.SSMParam)
	}
	hash := strings.TrimSpace(*out.Parameter.Value)
	if !cryptoutil.IsSHA256Hex(hash) {
		return "", xerrors.Newf("policy: SSM parameter %s is not a sha256 digest", opts.SSMParam)
	}
	return hash, nil
}

func getObject(ctx context.Context, opts RemoteOptions, key string) ([]byte, error) {
	out, err := opts.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy: get s3://%s/%s", opts.Bucket, key)
	}
	defer out.Body.Close()
	data, err := readCapped(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy: read s3://%s/%s", opts.Bucket, key)
	}
	return data, nil
}
