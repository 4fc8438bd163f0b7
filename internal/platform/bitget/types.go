package bitget

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Bitget v2 mix API DTOs
// --------------------------------------------------------------------------

// successCode is the envelope code of an accepted request.
const successCode = "00000"

// envelope wraps every Bitget REST response.
type envelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

// APIError is a request Bitget accepted at the HTTP level but rejected by
// envelope code.
type APIError struct {
	Op   string
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitget: %s: code %s: %s", e.Op, e.Code, e.Msg)
}

type ticker struct {
	Symbol    string `json:"symbol"`
	LastPr    string `json:"lastPr"`
	MarkPrice string `json:"markPrice"`
	Ts        string `json:"ts"`
}

type account struct {
	MarginCoin    string `json:"marginCoin"`
	Available     string `json:"available"`
	AccountEquity string `json:"accountEquity"`
	USDTEquity    string `json:"usdtEquity"`
}

type position struct {
	Symbol       string `json:"symbol"`
	MarginCoin   string `json:"marginCoin"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	Available    string `json:"available"`
	OpenPriceAvg string `json:"openPriceAvg"`
	UnrealizedPL string `json:"unrealizedPL"`
	Leverage     string `json:"leverage"`
	MarginMode   string `json:"marginMode"`
}

type setLeverageRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginCoin  string `json:"marginCoin"`
	Leverage    string `json:"leverage"`
}

type placeOrderRequest struct {
	Symbol                 string `json:"symbol"`
	ProductType            string `json:"productType"`
	MarginMode             string `json:"marginMode"`
	MarginCoin             string `json:"marginCoin"`
	Size                   string `json:"size"`
	Side                   string `json:"side"`
	OrderType              string `json:"orderType"`
	ClientOid              string `json:"clientOid,omitempty"`
	PresetStopSurplusPrice string `json:"presetStopSurplusPrice,omitempty"`
	PresetStopLossPrice    string `json:"presetStopLossPrice,omitempty"`
}

type orderAck struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

type closePositionsRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	HoldSide    string `json:"holdSide,omitempty"`
}

type closeFailure struct {
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	ErrorMsg  string `json:"errorMsg"`
	ErrorCode string `json:"errorCode"`
}

type closePositionsResponse struct {
	SuccessList []orderAck     `json:"successList"`
	FailureList []closeFailure `json:"failureList"`
}

type planOrder struct {
	OrderID      string `json:"orderId"`
	Symbol       string `json:"symbol"`
	PlanType     string `json:"planType"`
	TriggerPrice string `json:"triggerPrice"`
}

type planOrdersResponse struct {
	EntrustedList []planOrder `json:"entrustedList"`
}

type placeTPSLRequest struct {
	Symbol       string `json:"symbol"`
	ProductType  string `json:"productType"`
	MarginCoin   string `json:"marginCoin"`
	PlanType     string `json:"planType"`
	TriggerPrice string `json:"triggerPrice"`
	TriggerType  string `json:"triggerType"`
	ExecutePrice string `json:"executePrice"`
	HoldSide     string `json:"holdSide"`
	Size         string `json:"size"`
}

type modifyTPSLRequest struct {
	OrderID      string `json:"orderId"`
	MarginCoin   string `json:"marginCoin"`
	ProductType  string `json:"productType"`
	Symbol       string `json:"symbol"`
	TriggerPrice string `json:"triggerPrice"`
	TriggerType  string `json:"triggerType"`
	ExecutePrice string `json:"executePrice"`
	Size         string `json:"size"`
}

// Plan types for position-level exits.
const (
	planPosProfit = "pos_profit"
	planPosLoss   = "pos_loss"
)
