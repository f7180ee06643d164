package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/jaayvee/otpgateway/pkg/models"
)

const (
	providerID  = "pinpoint"
	channelName = "SMS"
	maxBodyLen  = 140
)

var reNum = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

type sender interface {
	SendMessages(context.Context, *pinpoint.SendMessagesInput, ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// PinpointSMS implements the AWS PinpointSMS SMS provider.
type PinpointSMS struct {
	cfg Config
	p   sender
}

type Config struct {
	ApplicationID    string        `json:"application_id"`
	AccessKey        string        `json:"access_key"`
	SecretKey        string        `json:"secret_key"`
	Region           string        `json:"region"`
	SMSSenderID      string        `json:"sms_sender_id"`
	SMSMessageType   string        `json:"sms_message_type"`
	SMSEntityID      string        `json:"sms_entity_id"`
	SMSTemplateID    string        `json:"sms_template_id"`
	DefaultPhoneCode string        `json:"default_phone_code"`
	Timeout          time.Duration `json:"timeout"`
}

// NewSMS returns an instance of the Pinpoint SMS provider.
func NewSMS(cfg Config) (*PinpointSMS, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("invalid application_id")
	}
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("invalid access_key")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("invalid secret_key")
	}

	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.SMSMessageType == "" {
		cfg.SMSMessageType = string(types.MessageTypeTransactional)
	}

	// Validate SMSMessageType
	if cfg.SMSMessageType != string(types.MessageTypeTransactional) && cfg.SMSMessageType != string(types.MessageTypePromotional) {
		return nil, errors.New("invalid SMSMessageType: must be TRANSACTIONAL or PROMOTIONAL")
	}

	cfgAws, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	return &PinpointSMS{cfg: cfg, p: pinpoint.NewFromConfig(cfgAws)}, nil
}

// ID returns the Provider's ID.
func (p *PinpointSMS) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (p *PinpointSMS) ChannelName() string {
	return channelName
}

// ValidateAddress "validates" a phone number.
func (p *PinpointSMS) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push sends an SMS and returns the Pinpoint message ID.
func (p *PinpointSMS) Push(ctx context.Context, to, subject string, body []byte) (models.Receipt, error) {
	addr := p.sanitizePhone(to)
	input := &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				addr: {
					ChannelType: types.ChannelTypeSms,
				},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				SMSMessage: &types.SMSMessage{
					Body:        aws.String(string(body)),
					MessageType: types.MessageType(p.cfg.SMSMessageType),
					SenderId:    aws.String(p.cfg.SMSSenderID),
					EntityId:    aws.String(p.cfg.SMSEntityID),
					TemplateId:  aws.String(p.cfg.SMSTemplateID),
				},
			},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	out, err := p.p.SendMessages(ctx, input)
	if err != nil {
		return models.Receipt{}, err
	}

	r := models.Receipt{Provider: providerID}
	if out.MessageResponse == nil {
		return r, nil
	}

	// A 200 from the API doesn't mean the message was accepted for the address.
	res, ok := out.MessageResponse.Result[addr]
	if !ok {
		return r, nil
	}
	if res.DeliveryStatus != types.DeliveryStatusSuccessful {
		return models.Receipt{}, fmt.Errorf("pinpoint delivery status %s: %s",
			res.DeliveryStatus, aws.ToString(res.StatusMessage))
	}
	r.MessageID = aws.ToString(res.MessageId)

	return r, nil
}

// MaxBodyLen returns the max permitted body size.
func (p *PinpointSMS) MaxBodyLen() int {
	return maxBodyLen
}

func (p *PinpointSMS) sanitizePhone(phone string) string {
	phone = strings.TrimSpace(phone)

	if strings.HasPrefix(phone, "+") {
		return phone
	} else if strings.HasPrefix(phone, "00") {
		return "+" + phone[2:]
	}

	return p.cfg.DefaultPhoneCode + phone
}
