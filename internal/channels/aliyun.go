package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	openapiutil "github.com/alibabacloud-go/openapi-util/service"
	util "github.com/alibabacloud-go/tea-utils/v2/service"
	"github.com/alibabacloud-go/tea/tea"
	credential "github.com/aliyun/credentials-go/credentials"
)

const aliyunSMSEndpoint = "dysmsapi.aliyuncs.com"

// aliyunAPI is the part of the OpenAPI client used to call SendSms.
type aliyunAPI interface {
	CallApi(params *openapi.Params, request *openapi.OpenApiRequest, runtime *util.RuntimeOptions) (map[string]interface{}, error)
}

// AliyunSMSConfig configures the Aliyun short message service.
type AliyunSMSConfig struct {
	SignName     string
	TemplateCode string
	Timeout      time.Duration
}

// Configured reports whether a sign and template are set.
func (c AliyunSMSConfig) Configured() bool {
	return c.SignName != "" && c.TemplateCode != ""
}

// AliyunSMS sends text messages through Aliyun dysmsapi. Credentials come from
// the default chain (ALIBABA_CLOUD_ACCESS_KEY_ID / ALIBABA_CLOUD_ACCESS_KEY_SECRET).
type AliyunSMS struct {
	api aliyunAPI
	cfg AliyunSMSConfig
}

// NewAliyunSMS creates an Aliyun SMS provider.
func NewAliyunSMS(cfg AliyunSMSConfig) (*AliyunSMS, error) {
	if !cfg.Configured() {
		return nil, errors.New("sms sign name and template code are required")
	}

	cred, err := credential.NewCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun credential: %w", err)
	}

	client, err := openapi.NewClient(&openapi.Config{
		Credential: cred,
		Endpoint:   tea.String(aliyunSMSEndpoint),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aliyun client: %w", err)
	}

	return &AliyunSMS{api: client, cfg: cfg}, nil
}

func sendSmsParams() *openapi.Params {
	return &openapi.Params{
		Action:      tea.String("SendSms"),
		Version:     tea.String("2017-05-25"),
		Protocol:    tea.String("HTTPS"),
		Method:      tea.String("POST"),
		AuthType:    tea.String("AK"),
		Style:       tea.String("RPC"),
		Pathname:    tea.String("/"),
		ReqBodyType: tea.String("json"),
		BodyType:    tea.String("json"),
	}
}

// Send implements SMSProvider. The SDK call is not context aware, so the
// runtime read timeout is bounded by cfg.Timeout instead.
func (s *AliyunSMS) Send(ctx context.Context, number string, params map[string]string) (string, error) {
	templateParam, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal template params: %w", err)
	}

	queries := map[string]interface{}{
		"PhoneNumbers":  tea.String(number),
		"SignName":      tea.String(s.cfg.SignName),
		"TemplateCode":  tea.String(s.cfg.TemplateCode),
		"TemplateParam": tea.String(string(templateParam)),
	}

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = max(time.Until(dl), time.Millisecond)
	}
	runtime := &util.RuntimeOptions{
		ReadTimeout:    tea.Int(int(timeout.Milliseconds())),
		ConnectTimeout: tea.Int(int(timeout.Milliseconds())),
	}

	resp, err := s.api.CallApi(sendSmsParams(), &openapi.OpenApiRequest{
		Query: openapiutil.Query(queries),
	}, runtime)
	if err != nil {
		var sdkErr *tea.SDKError
		if errors.As(err, &sdkErr) && sdkErr.Code != nil {
			return "", &ProviderError{Code: tea.StringValue(sdkErr.Code), Message: tea.StringValue(sdkErr.Message)}
		}
		return "", fmt.Errorf("failed to send sms: %w", err)
	}

	return parseSendSmsResponse(resp)
}

type sendSmsBody struct {
	Code      string `json:"Code"`
	Message   string `json:"Message"`
	BizID     string `json:"BizId"`
	RequestID string `json:"RequestId"`
}

func parseSendSmsResponse(resp map[string]interface{}) (string, error) {
	if statusCode, ok := resp["statusCode"].(int); ok && statusCode != 200 {
		return "", fmt.Errorf("sms api error: statusCode=%d", statusCode)
	}

	raw, err := json.Marshal(resp["body"])
	if err != nil {
		return "", fmt.Errorf("failed to read sms response: %w", err)
	}

	var body sendSmsBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("failed to parse sms response: %w", err)
	}
	if body.Code != "OK" {
		return "", &ProviderError{Code: body.Code, Message: body.Message}
	}

	return body.BizID, nil
}
