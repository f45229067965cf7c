package export

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	citypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentity/types"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	idptypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/pkg/log"
)

type fakeIDP struct {
	initiates   int
	challenges  int
	challenge   bool
	initiateErr error
}

func (f *fakeIDP) InitiateAuth(ctx context.Context, in *cognitoidentityprovider.InitiateAuthInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error) {
	f.initiates++
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	if f.challenge {
		return &cognitoidentityprovider.InitiateAuthOutput{
			ChallengeName: idptypes.ChallengeNameTypeNewPasswordRequired,
			Session:       aws.String("challenge-session"),
		}, nil
	}
	return &cognitoidentityprovider.InitiateAuthOutput{
		AuthenticationResult: &idptypes.AuthenticationResultType{
			IdToken:     aws.String("id-token"),
			AccessToken: aws.String("access-token"),
		},
	}, nil
}

func (f *fakeIDP) RespondToAuthChallenge(ctx context.Context, in *cognitoidentityprovider.RespondToAuthChallengeInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.RespondToAuthChallengeOutput, error) {
	f.challenges++
	return &cognitoidentityprovider.RespondToAuthChallengeOutput{
		AuthenticationResult: &idptypes.AuthenticationResultType{
			IdToken:     aws.String("id-token"),
			AccessToken: aws.String("access-token"),
		},
	}, nil
}

func (f *fakeIDP) GetUser(ctx context.Context, in *cognitoidentityprovider.GetUserInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.GetUserOutput, error) {
	return &cognitoidentityprovider.GetUserOutput{
		Username: aws.String("site-user"),
		UserAttributes: []idptypes.AttributeType{
			{Name: aws.String("sub"), Value: aws.String("a1b2c3d4-user-dir")},
			{Name: aws.String("email"), Value: aws.String("site@example.org")},
		},
	}, nil
}

type fakeIdentity struct {
	expires time.Time
}

func (f *fakeIdentity) GetId(ctx context.Context, in *cognitoidentity.GetIdInput, _ ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error) {
	return &cognitoidentity.GetIdOutput{IdentityId: aws.String("identity-1")}, nil
}

func (f *fakeIdentity) GetCredentialsForIdentity(ctx context.Context, in *cognitoidentity.GetCredentialsForIdentityInput, _ ...func(*cognitoidentity.Options)) (*cognitoidentity.GetCredentialsForIdentityOutput, error) {
	return &cognitoidentity.GetCredentialsForIdentityOutput{
		IdentityId: in.IdentityId,
		Credentials: &citypes.Credentials{
			AccessKeyId:  aws.String("AKIDTEST"),
			SecretKey:    aws.String("SECRET"),
			SessionToken: aws.String("SESSION"),
			Expiration:   aws.Time(f.expires),
		},
	}, nil
}

func testAWSConfig() config.AWSConfig {
	return config.AWSConfig{
		AccountID:      "123456789012",
		Region:         "eu-west-1",
		AppClientID:    "client-1",
		UserPoolID:     "eu-west-1_pool",
		IdentityPoolID: "eu-west-1:pool-guid",
		S3Bucket:       "trial-bucket",
		S3Prefix:       "incoming",
		Username:       "site-user",
		Password:       "hunter2!",
	}
}

func newTestAuth(t *testing.T, idp *fakeIDP, ident *fakeIdentity) *CognitoAuth {
	t.Helper()
	auth := NewCognitoAuth(testAWSConfig(), log.NewNopLogger())
	auth.idp = idp
	auth.ident = ident
	return auth
}

func TestCognitoAuth_ChainYieldsCredentialsAndUserDir(t *testing.T) {
	t.Parallel()
	idp := &fakeIDP{}
	ident := &fakeIdentity{expires: time.Now().Add(time.Hour)}
	auth := newTestAuth(t, idp, ident)

	creds, userDir, err := auth.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDTEST", creds.AccessKeyID)
	assert.Equal(t, "SECRET", creds.SecretAccessKey)
	assert.Equal(t, "SESSION", creds.SessionToken)
	assert.Equal(t, "a1b2c3d4-user-dir", userDir)
	assert.Equal(t, 1, idp.initiates)
	assert.Zero(t, idp.challenges)
}

func TestCognitoAuth_CachesUntilRefreshWindow(t *testing.T) {
	t.Parallel()
	now := time.Now()
	idp := &fakeIDP{}
	ident := &fakeIdentity{expires: now.Add(time.Hour)}
	auth := newTestAuth(t, idp, ident)

	_, _, err := auth.Credentials(context.Background())
	require.NoError(t, err)
	_, _, err = auth.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, idp.initiates, "second call must use the cache")

	// Walk the clock to within the refresh window.
	auth.now = func() time.Time { return now.Add(time.Hour - refreshWindow + time.Second) }
	_, _, err = auth.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, idp.initiates, "near-expiry credentials must refresh")
}

func TestCognitoAuth_NewPasswordChallenge(t *testing.T) {
	t.Parallel()
	idp := &fakeIDP{challenge: true}
	ident := &fakeIdentity{expires: time.Now().Add(time.Hour)}
	auth := newTestAuth(t, idp, ident)

	_, userDir, err := auth.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4-user-dir", userDir)
	assert.Equal(t, 1, idp.challenges)
	assert.Equal(t, "hunter2!N1-", auth.cfg.Password, "rotated password must be kept for re-auth")
}

func TestCognitoAuth_RefreshFailureIsCredentialsExpired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	idp := &fakeIDP{}
	ident := &fakeIdentity{expires: now.Add(time.Hour)}
	auth := newTestAuth(t, idp, ident)

	_, _, err := auth.Credentials(context.Background())
	require.NoError(t, err)

	auth.now = func() time.Time { return now.Add(2 * time.Hour) }
	idp.initiateErr = fmt.Errorf("user pool unreachable")

	_, _, err = auth.Credentials(context.Background())
	require.Error(t, err)
	assert.Equal(t, deid.KindCredentialsExpired, deid.KindOf(err))
}

func TestCognitoAuth_FirstAuthFailureIsNotExpired(t *testing.T) {
	t.Parallel()
	idp := &fakeIDP{initiateErr: fmt.Errorf("bad credentials")}
	auth := newTestAuth(t, idp, &fakeIdentity{})

	_, _, err := auth.Credentials(context.Background())
	require.Error(t, err)
	assert.NotEqual(t, deid.KindCredentialsExpired, deid.KindOf(err))
}
