package at

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "
	CtrlZ  = "\x1a"
	Escape = "\x1b"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg         = "+CMTI:"
	UrcMessageReport  = "+CDSI:"
	UrcSignalStrength = "+CSQ:"
	UrcUSSD           = "+CUSD:"
	UrcCall           = "RING"

	// Vendor (Huawei) status reports, all unsolicited
	UrcVendorRSSI   = "^RSSI:"
	UrcVendorMode   = "^MODE:"
	UrcVendorBoot   = "^BOOT:"
	UrcVendorFlow   = "^DSFLOWRPT:"
	UrcVendorSrvst  = "^SRVST:"
	UrcVendorSimst  = "^SIMST:"
	UrcVendorStatus = "^HCSQ:"

	// SIM states reported by AT+CPIN?
	SimReady = "READY"
	SimPin   = "SIM PIN"
	SimPuk   = "SIM PUK"
)

// Commands issued by the modem package. Parameterised commands are
// format strings for fmt.Sprintf.
const (
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdSimStatus     = "AT+CPIN?"
	CmdEnterPIN      = `AT+CPIN="%s"`
	CmdSetTextMode   = "AT+CMGF=1"
	CmdCharsetGSM    = `AT+CSCS="GSM"`
	CmdNewMsgIndic   = "AT+CNMI=2,1,0,0,0"
	CmdModel         = "AT+CGMM"
	CmdFirmware      = "AT+CGMR"
	CmdIMEI          = "AT+CGSN"
	CmdIMSI          = "AT+CIMI"
	CmdICCID         = "AT+CCID"
	CmdICCIDVendor   = "AT^ICCID?"
	CmdNumber        = "AT+CNUM"
	CmdSignal        = "AT+CSQ"
	CmdRegistration  = "AT+CREG?"
	CmdOperator      = "AT+COPS?"
	CmdListMessages  = `AT+CMGL="%s"`
	CmdReadMessage   = "AT+CMGR=%d"
	CmdSendMessage   = `AT+CMGS="%s"`
	CmdDeleteMessage = "AT+CMGD=%d"
	CmdUSSD          = `AT+CUSD=1,"%s",15`
	CmdUSSDCancel    = "AT+CUSD=2"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR
	TypeURC                        // Asynchronous notifications
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // SMS input prompt
)

func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeURC:
		return "urc"
	case TypeData:
		return "data"
	case TypePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}
