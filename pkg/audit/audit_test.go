package audit

import (
	"testing"
)

func TestSanitizeParams_SensitiveKeys(t *testing.T) {
	params := map[string]interface{}{
		"password":   "secret123",
		"api_key":    "key123",
		"token":      "tok123",
		"clientName": "acme capital",
	}

	result := SanitizeParams(params)

	if result["password"] != "***" {
		t.Errorf("password should be masked")
	}
	if result["api_key"] != "***" {
		t.Errorf("api_key should be masked")
	}
	if result["token"] != "***" {
		t.Errorf("token should be masked")
	}
	if result["clientName"] != "acme capital" {
		t.Errorf("clientName should not be masked")
	}
}

func TestSanitizeParams_AccountMasking(t *testing.T) {
	params := map[string]interface{}{
		"accountNumber": "9900123456",
		"asset":         "SOLAR-A",
	}

	result := SanitizeParams(params)

	if result["accountNumber"] == "9900123456" {
		t.Error("accountNumber should be partially masked")
	}
	if result["asset"] != "SOLAR-A" {
		t.Error("asset should not be masked")
	}
}

func TestSanitizeParams_Nested(t *testing.T) {
	params := map[string]interface{}{
		"orders": []interface{}{
			map[string]interface{}{
				"asset":  "SOLAR-A",
				"secret": "x",
			},
		},
	}

	result := SanitizeParams(params)
	orders := result["orders"].([]interface{})
	order := orders[0].(map[string]interface{})

	if order["secret"] != "***" {
		t.Error("nested secret should be masked")
	}
	if order["asset"] != "SOLAR-A" {
		t.Error("nested asset should not be masked")
	}
}

func TestNewLogDefaults(t *testing.T) {
	l := NewLog(EventOrderSubmitted, 42)
	if l.Result != ResultSuccess {
		t.Errorf("default result = %s, want SUCCESS", l.Result)
	}
	if l.Params != "{}" {
		t.Errorf("default params = %s, want {}", l.Params)
	}
	if l.Timestamp == 0 {
		t.Error("timestamp should be set")
	}

	l.WithAsset("SOLAR-A").WithResource("order", "123").WithResult(false, "boom")
	if l.Asset != "SOLAR-A" || l.ResourceID != "123" {
		t.Error("builder setters did not apply")
	}
	if l.Result != ResultFailed || l.ErrorMsg != "boom" {
		t.Error("WithResult(false) did not apply")
	}
}
