package otp

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	verify "github.com/twilio/twilio-go/rest/verify/v2"
	"go.uber.org/zap"
)

const statusApproved = "approved"

type verifyAPI interface {
	CreateVerification(serviceSid string, params *verify.CreateVerificationParams) (*verify.VerifyV2Verification, error)
	CreateVerificationCheck(serviceSid string, params *verify.CreateVerificationCheckParams) (*verify.VerifyV2VerificationCheck, error)
}

// Twilio sends codes by SMS through a Twilio Verify service
type Twilio struct {
	api        verifyAPI
	serviceSID string
	logger     *zap.Logger
}

// NewTwilio creates a Twilio Verify provider
func NewTwilio(accountSID, authToken, serviceSID string, logger *zap.Logger) (*Twilio, error) {
	if accountSID == "" || authToken == "" || serviceSID == "" {
		return nil, errors.New("twilio credentials not configured")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Twilio{
		api:        client.VerifyV2,
		serviceSID: serviceSID,
		logger:     logger.Named("otp.twilio"),
	}, nil
}

func (t *Twilio) SendCode(ctx context.Context, phone string) (string, error) {
	params := &verify.CreateVerificationParams{}
	params.SetTo(phone)
	params.SetChannel("sms")

	resp, err := t.api.CreateVerification(t.serviceSID, params)
	if err != nil {
		return "", fmt.Errorf("failed to send verification: %w", err)
	}
	if resp.Sid == nil {
		return "", errors.New("twilio verification returned no sid")
	}

	t.logger.Debug("verification sent", zap.String("sid", *resp.Sid))
	return *resp.Sid, nil
}

func (t *Twilio) CheckCode(ctx context.Context, phone, code string) (bool, error) {
	params := &verify.CreateVerificationCheckParams{}
	params.SetTo(phone)
	params.SetCode(code)

	resp, err := t.api.CreateVerificationCheck(t.serviceSID, params)
	if err != nil {
		return false, fmt.Errorf("failed to check verification: %w", err)
	}
	return resp.Status != nil && *resp.Status == statusApproved, nil
}
