package iamkit

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const qrCodeSize = 256

// GeneratedTfaSecret is a new TOTP secret and its otpauth:// provisioning URI.
type GeneratedTfaSecret struct {
	Secret string
	URI    string
}

// OtpAuthenticationService manages time-based one-time-password second factors.
type OtpAuthenticationService struct {
	appName string
	users   UserStore
	clock   Clock
}

// NewOtpAuthenticationService constructs the service; appName becomes the TOTP issuer.
func NewOtpAuthenticationService(appName string, users UserStore, clock Clock) (*OtpAuthenticationService, error) {
	if strings.TrimSpace(appName) == "" {
		return nil, errors.New("otp.config: tfa app name must be non-empty")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &OtpAuthenticationService{appName: appName, users: users, clock: clock}, nil
}

// GenerateSecret creates a random shared secret bound to email.
func (service *OtpAuthenticationService) GenerateSecret(email string) (GeneratedTfaSecret, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      service.appName,
		AccountName: email,
	})
	if err != nil {
		return GeneratedTfaSecret{}, fmt.Errorf("otp.generate: %w", err)
	}
	return GeneratedTfaSecret{Secret: key.Secret(), URI: key.URL()}, nil
}

// VerifyCode validates code against secret with a one-step skew window.
func (service *OtpAuthenticationService) VerifyCode(code string, secret string) bool {
	if strings.TrimSpace(code) == "" || secret == "" {
		return false
	}
	valid, err := totp.ValidateCustom(code, secret, service.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// EnableTfaForUser stores the secret on the user and flags two-factor as enabled.
// The secret is kept in the clear: it must be recoverable to verify future codes.
func (service *OtpAuthenticationService) EnableTfaForUser(ctx context.Context, email string, secret string) error {
	user, err := service.users.FindUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("otp.enable: %w", err)
	}
	if err := service.users.UpdateTfa(ctx, user.ID, secret, true); err != nil {
		return fmt.Errorf("otp.enable: %w", err)
	}
	return nil
}

// RenderQRCode writes the provisioning URI as a PNG QR code.
func (service *OtpAuthenticationService) RenderQRCode(uri string, writer io.Writer) error {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return fmt.Errorf("otp.qr: %w", err)
	}
	image, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return fmt.Errorf("otp.qr: %w", err)
	}
	return png.Encode(writer, image)
}

// GenerateCode returns the code for secret at the given time.
func (service *OtpAuthenticationService) GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCode(secret, at)
}
