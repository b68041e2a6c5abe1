package sms

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"herald/internal/common"
	"herald/internal/domain/notification"
	"herald/internal/infra/awsconf"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Publisher is the slice of the SNS client the sender needs.
type Publisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var _ notification.Sender = (*SNSSender)(nil)

// SNSSender delivers SMS through Amazon SNS direct publish.
type SNSSender struct {
	client   Publisher
	senderID string
}

// NewSNSSender builds an SNS client from cfg.
func NewSNSSender(ctx context.Context, cfg awsconf.Config, senderID string) (*SNSSender, error) {
	awsCfg, err := awsconf.Load(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if ep := cfg.BaseEndpoint(); ep != nil {
			o.BaseEndpoint = ep
		}
	})
	return NewSNSSenderWithClient(client, senderID), nil
}

// NewSNSSenderWithClient wraps an existing publisher.
func NewSNSSenderWithClient(client Publisher, senderID string) *SNSSender {
	return &SNSSender{client: client, senderID: senderID}
}

func (s *SNSSender) Channel() notification.Channel {
	return notification.ChannelSMS
}

func (s *SNSSender) Send(ctx context.Context, d *notification.Delivery) (notification.SendResult, error) {
	channel := string(notification.ChannelSMS)
	if !e164.MatchString(d.Address) {
		return notification.SendResult{}, common.NewPermanentSendError(channel, fmt.Sprintf("'%s' is not an E.164 phone number", d.Address), nil)
	}

	smsType := "Promotional"
	if d.Priority >= notification.PriorityHigh {
		smsType = "Transactional"
	}
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String(smsType)},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(d.Address),
		Message:           aws.String(d.Content.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return notification.SendResult{}, classify(err)
	}
	return notification.SendResult{ProviderMessageID: aws.ToString(out.MessageId)}, nil
}

// permanentCodes are SNS errors that retrying cannot fix.
var permanentCodes = map[string]bool{
	"InvalidParameter":      true,
	"InvalidParameterValue": true,
	"OptedOut":              true,
	"AuthorizationError":    true,
	"EndpointDisabled":      true,
}

func classify(err error) error {
	channel := string(notification.ChannelSMS)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
		return common.NewPermanentSendError(channel, apiErr.ErrorMessage(), err)
	}
	return common.NewTransientSendError(channel, "sns publish failed", err)
}
