package pinpoint

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	in     *pinpoint.SendMessagesInput
	status types.DeliveryStatus
}

func (f *fakeSender) SendMessages(_ context.Context, in *pinpoint.SendMessagesInput, _ ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error) {
	f.in = in

	res := map[string]types.MessageResult{}
	for addr := range in.MessageRequest.Addresses {
		res[addr] = types.MessageResult{
			DeliveryStatus: f.status,
			MessageId:      aws.String("msg-1"),
			StatusMessage:  aws.String("opted out"),
		}
	}
	return &pinpoint.SendMessagesOutput{
		MessageResponse: &types.MessageResponse{Result: res},
	}, nil
}

func newTest(status types.DeliveryStatus) (*PinpointSMS, *fakeSender) {
	f := &fakeSender{status: status}
	return &PinpointSMS{
		cfg: Config{
			ApplicationID:    "app",
			SMSMessageType:   string(types.MessageTypeTransactional),
			DefaultPhoneCode: "+91",
			Timeout:          time.Second,
		},
		p: f,
	}, f
}

func TestNewSMSValidation(t *testing.T) {
	_, err := NewSMS(Config{})
	assert.Error(t, err)

	_, err = NewSMS(Config{ApplicationID: "a", Region: "ap-south-1", AccessKey: "k", SecretKey: "s", SMSMessageType: "SPAM"})
	assert.Error(t, err)
}

func TestPush(t *testing.T) {
	p, f := newTest(types.DeliveryStatusSuccessful)

	r, err := p.Push(context.Background(), "+919876543210", "", []byte("Your OTP is: 123456"))
	require.NoError(t, err)
	assert.Equal(t, "pinpoint", r.Provider)
	assert.Equal(t, "msg-1", r.MessageID)

	_, ok := f.in.MessageRequest.Addresses["+919876543210"]
	assert.True(t, ok)
	assert.Equal(t, "Your OTP is: 123456", aws.ToString(f.in.MessageRequest.MessageConfiguration.SMSMessage.Body))
}

func TestPushRejected(t *testing.T) {
	p, _ := newTest(types.DeliveryStatusPermanentFailure)

	_, err := p.Push(context.Background(), "+919876543210", "", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opted out")
}

func TestSanitizePhone(t *testing.T) {
	p, _ := newTest(types.DeliveryStatusSuccessful)

	assert.Equal(t, "+919876543210", p.sanitizePhone("+919876543210"))
	assert.Equal(t, "+919876543210", p.sanitizePhone("00919876543210"))
	assert.Equal(t, "+919876543210", p.sanitizePhone(" 9876543210 "))

	assert.NoError(t, p.ValidateAddress("+919876543210"))
	assert.Error(t, p.ValidateAddress("+91abc"))
}
