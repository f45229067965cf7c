package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/deid"
)

// s3API is the slice of the S3 client the destination uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Destination uploads instances to the project bucket under the
// authenticated user's directory. Objects are keyed
// {prefix}/{user_directory}/{patient}/{study}/{series}/{sop}.dcm. The client
// is rebuilt whenever the temporary credentials rotate.
type S3Destination struct {
	auth   *CognitoAuth
	bucket string
	prefix string
	log    *logrus.Entry

	client    s3API
	clientKey string
	newClient func(ctx context.Context, creds aws.Credentials) (s3API, error)
}

// NewS3Destination builds a destination over a shared auth chain. Each
// export worker gets its own instance; the credential cache is shared.
func NewS3Destination(cfg config.AWSConfig, auth *CognitoAuth, log *logrus.Entry) *S3Destination {
	return &S3Destination{
		auth:   auth,
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
		log:    log,
		newClient: func(ctx context.Context, creds aws.Credentials) (s3API, error) {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
				awsconfig.WithRegion(cfg.Region),
				awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)),
			)
			if err != nil {
				return nil, fmt.Errorf("load aws config: %w", err)
			}
			return s3.NewFromConfig(awsCfg), nil
		},
	}
}

// Preflight heads every candidate object key and returns the SOP instance
// UIDs already in the bucket.
func (d *S3Destination) Preflight(ctx context.Context, patientID string, files []File) (map[string]struct{}, error) {
	client, userDir, err := d.clientFor(ctx)
	if err != nil {
		return nil, err
	}

	present := make(map[string]struct{})
	for _, f := range files {
		key := d.objectKey(userDir, f)
		_, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var nf *s3types.NotFound
			if errors.As(err, &nf) {
				continue
			}
			return nil, fmt.Errorf("head s3://%s/%s: %w", d.bucket, key, err)
		}
		present[f.SOPUID] = struct{}{}
	}
	d.log.WithFields(logrus.Fields{
		"patient": patientID,
		"checked": len(files),
		"present": len(present),
	}).Debug("bucket preflight complete")
	return present, nil
}

// Send uploads one file.
func (d *S3Destination) Send(ctx context.Context, f File) error {
	client, userDir, err := d.clientFor(ctx)
	if err != nil {
		return err
	}

	body, err := os.Open(f.Path)
	if err != nil {
		return deid.Wrap(deid.KindStorageError, "export.open "+f.Path, err)
	}
	defer body.Close()

	key := d.objectKey(userDir, f)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/dicom"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", d.bucket, key, err)
	}
	d.log.WithField("key", key).Debug("uploaded")
	return nil
}

// Close is a no-op; the S3 client holds no connection state worth releasing.
func (d *S3Destination) Close(context.Context) error { return nil }

// clientFor returns a client signed with current credentials, rebuilding it
// after a rotation.
func (d *S3Destination) clientFor(ctx context.Context) (s3API, string, error) {
	creds, userDir, err := d.auth.Credentials(ctx)
	if err != nil {
		return nil, "", err
	}
	if d.client == nil || d.clientKey != creds.AccessKeyID {
		client, err := d.newClient(ctx, creds)
		if err != nil {
			return nil, "", err
		}
		d.client = client
		d.clientKey = creds.AccessKeyID
	}
	return d.client, userDir, nil
}

func (d *S3Destination) objectKey(userDir string, f File) string {
	return path.Join(d.prefix, userDir, f.PatientID, f.StudyUID, f.SeriesUID, f.SOPUID+".dcm")
}
