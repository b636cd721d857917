// Package archive stores rendered copies of delivered mail.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"mailtask/internal/mailer"
)

// PutObjectAPI is the slice of the S3 client the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archiver struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
}

// NewToken returns a random 32 character lowercase hex token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (a *S3Archiver) Key(token string) string {
	return a.Prefix + token + ".eml"
}

// Persist renders msg, uploads it and returns the token that names it.
func (a *S3Archiver) Persist(ctx context.Context, msg mailer.Message) (string, error) {
	raw, err := msg.Render()
	if err != nil {
		return "", fmt.Errorf("render for archive: %w", err)
	}

	token := NewToken()
	_, err = a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(a.Key(token)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("message/rfc822"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", a.Bucket, a.Key(token), err)
	}
	return token, nil
}
