package native

import "strconv"

// Trans tags a completion with the kind of transaction that finished.
type Trans int

// Transaction kinds. Values follow enum pubnub_trans of the C core.
const (
	TransNone Trans = iota
	TransSubscribe
	TransPublish
	TransLeave
	TransTime
	TransHistory
)

var transNames = map[Trans]string{
	TransNone:      "none",
	TransSubscribe: "subscribe",
	TransPublish:   "publish",
	TransLeave:     "leave",
	TransTime:      "time",
	TransHistory:   "history",
}

func (t Trans) String() string {
	if name, ok := transNames[t]; ok {
		return name
	}
	return "trans(" + strconv.Itoa(int(t)) + ")"
}

// Result is a native status code. Values follow enum pubnub_res of the C
// core, so a Result converted from the C enum keeps its meaning.
type Result int

const (
	ResultOK Result = iota
	ResultAddrResolutionFailed
	ResultConnectFailed
	ResultConnectionTimeout
	ResultTimeout
	ResultAborted
	ResultIOError
	ResultHTTPError
	ResultFormatError
	ResultCancelled
	ResultStarted
	ResultInProgress
	ResultRxBuffNotEmpty
	ResultTxBuffTooSmall
	ResultInvalidChannel
	ResultPublishFailed
	ResultChannelRegistryError
	ResultReplyTooBig
	ResultInternalError
	ResultCryptoNotSupported
	ResultBadCompressionFormat
	ResultInvalidParameters
)

var resultNames = [...]string{
	ResultOK:                   "PNR_OK",
	ResultAddrResolutionFailed: "PNR_ADDR_RESOLUTION_FAILED",
	ResultConnectFailed:        "PNR_CONNECT_FAILED",
	ResultConnectionTimeout:    "PNR_CONNECTION_TIMEOUT",
	ResultTimeout:              "PNR_TIMEOUT",
	ResultAborted:              "PNR_ABORTED",
	ResultIOError:              "PNR_IO_ERROR",
	ResultHTTPError:            "PNR_HTTP_ERROR",
	ResultFormatError:          "PNR_FORMAT_ERROR",
	ResultCancelled:            "PNR_CANCELLED",
	ResultStarted:              "PNR_STARTED",
	ResultInProgress:           "PNR_IN_PROGRESS",
	ResultRxBuffNotEmpty:       "PNR_RX_BUFF_NOT_EMPTY",
	ResultTxBuffTooSmall:       "PNR_TX_BUFF_TOO_SMALL",
	ResultInvalidChannel:       "PNR_INVALID_CHANNEL",
	ResultPublishFailed:        "PNR_PUBLISH_FAILED",
	ResultChannelRegistryError: "PNR_CHANNEL_REGISTRY_ERROR",
	ResultReplyTooBig:          "PNR_REPLY_TOO_BIG",
	ResultInternalError:        "PNR_INTERNAL_ERROR",
	ResultCryptoNotSupported:   "PNR_CRYPTO_NOT_SUPPORTED",
	ResultBadCompressionFormat: "PNR_BAD_COMPRESSION_FORMAT",
	ResultInvalidParameters:    "PNR_INVALID_PARAMETERS",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "PNR(" + strconv.Itoa(int(r)) + ")"
}

// Started reports whether r is the answer to a transaction that was accepted
// and will complete through the callback.
func (r Result) Started() bool {
	return r == ResultStarted
}
