package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	out  *ssm.GetParameterOutput
	err  error
	last *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.last = in
	return f.out, f.err
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestGetParameter(t *testing.T) {
	api := &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  aws.String("/gw/key"),
		Value: aws.String("lsv2_secret"),
		Type:  types.ParameterTypeSecureString,
	}}}
	c, err := New(api)
	require.NoError(t, err)

	v, err := c.GetParameter(context.Background(), " /gw/key ")
	require.NoError(t, err)
	assert.Equal(t, "lsv2_secret", v)
	assert.Equal(t, "/gw/key", aws.ToString(api.last.Name))
	assert.True(t, aws.ToBool(api.last.WithDecryption))
}

func TestGetParameter_Errors(t *testing.T) {
	tests := []struct {
		name    string
		api     *fakeSSM
		param   string
		wantMsg string
	}{
		{"empty name", &fakeSSM{}, "  ", "name is required"},
		{"api error", &fakeSSM{err: errors.New("AccessDenied")}, "/p", "AccessDenied"},
		{"missing value", &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: aws.String("/p")}}}, "/p", "has no value"},
		{"nil output", &fakeSSM{}, "/p", "has no value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.api)
			require.NoError(t, err)

			_, err = c.GetParameter(context.Background(), tt.param)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
