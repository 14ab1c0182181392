package protocol

// Source identifies where a message originated (or where it is sent).
type Source uint8

const (
	SourceUnknown  Source = 0x00
	SourceCloud    Source = 0x01 // remote server (WebSocket/QUIC)
	SourceMobile   Source = 0x02 // paired mobile app via Bluetooth
	SourceWeb      Source = 0x03 // local web interface
	SourceUSB      Source = 0x04
	SourceInternal Source = 0x05
)

func (s Source) String() string {
	switch s {
	case SourceCloud:
		return "cloud"
	case SourceMobile:
		return "mobile"
	case SourceWeb:
		return "web"
	case SourceUSB:
		return "usb"
	case SourceInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Category is the high nibble of a message type, used for handler routing.
type Category uint8

const (
	CatSystem  Category = 0x00
	CatOTA     Category = 0x10
	CatApp     Category = 0x20
	CatData    Category = 0x30
	CatControl Category = 0x40
	CatNotify  Category = 0x50

	// CatAny matches every message when used in a handler registration.
	CatAny Category = 0xFF
)

// Type is a specific message type. Its high nibble is the Category.
type Type uint8

const (
	// System (0x00-0x0F)
	TypeHeartbeat      Type = 0x00
	TypeStatusRequest  Type = 0x01
	TypeStatusResponse Type = 0x02
	TypeConfigGet      Type = 0x03
	TypeConfigSet      Type = 0x04
	TypeConfigResponse Type = 0x05
	TypeAuthRequest    Type = 0x06
	TypeAuthResponse   Type = 0x07
	TypeError          Type = 0x0F

	// OTA (0x10-0x1F)
	TypeFWCheck     Type = 0x10
	TypeFWAvailable Type = 0x11
	TypeFWRequest   Type = 0x12
	TypeFWMetadata  Type = 0x13
	TypeFWChunk     Type = 0x14
	TypeFWChunkAck  Type = 0x15
	TypeFWComplete  Type = 0x16
	TypeFWVerify    Type = 0x17
	TypeFWApply     Type = 0x18

	// App (0x20-0x2F)
	TypeAppListRequest  Type = 0x20
	TypeAppListResponse Type = 0x21
	TypeAppCheck        Type = 0x22
	TypeAppAvailable    Type = 0x23
	TypeAppRequest      Type = 0x24
	TypeAppMetadata     Type = 0x25
	TypeAppChunk        Type = 0x26
	TypeAppChunkAck     Type = 0x27
	TypeAppComplete     Type = 0x28
	TypeAppInstall      Type = 0x29
	TypeAppUninstall    Type = 0x2A
	TypeAppStart        Type = 0x2B
	TypeAppStop         Type = 0x2C

	// Data (0x30-0x3F)
	TypeDataSync     Type = 0x30
	TypeDataFetch    Type = 0x31
	TypeDataResponse Type = 0x32
	TypeSensorData   Type = 0x33
	TypeLogData      Type = 0x34

	// Control (0x40-0x4F)
	TypeCmdReboot       Type = 0x40
	TypeCmdFactoryReset Type = 0x41
	TypeCmdSleep        Type = 0x42
	TypeCmdWake         Type = 0x43
	TypeCmdCustom       Type = 0x4F

	// Notify (0x50-0x5F)
	TypeNotifyPush  Type = 0x50
	TypeNotifyAlert Type = 0x51
	TypeNotifyAck   Type = 0x52
)

// Category returns the routing category of the type.
func (t Type) Category() Category { return Category(uint8(t) & 0xF0) }

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

var typeNames = map[Type]string{
	TypeHeartbeat:      "HEARTBEAT",
	TypeStatusRequest:  "STATUS_REQUEST",
	TypeStatusResponse: "STATUS_RESPONSE",
	TypeConfigGet:      "CONFIG_GET",
	TypeConfigSet:      "CONFIG_SET",
	TypeConfigResponse: "CONFIG_RESPONSE",
	TypeAuthRequest:    "AUTH_REQUEST",
	TypeAuthResponse:   "AUTH_RESPONSE",
	TypeError:          "ERROR",

	TypeFWCheck:     "FW_CHECK",
	TypeFWAvailable: "FW_AVAILABLE",
	TypeFWRequest:   "FW_REQUEST",
	TypeFWMetadata:  "FW_METADATA",
	TypeFWChunk:     "FW_CHUNK",
	TypeFWChunkAck:  "FW_CHUNK_ACK",
	TypeFWComplete:  "FW_COMPLETE",
	TypeFWVerify:    "FW_VERIFY",
	TypeFWApply:     "FW_APPLY",

	TypeAppListRequest:  "APP_LIST_REQUEST",
	TypeAppListResponse: "APP_LIST_RESPONSE",
	TypeAppCheck:        "APP_CHECK",
	TypeAppAvailable:    "APP_AVAILABLE",
	TypeAppRequest:      "APP_REQUEST",
	TypeAppMetadata:     "APP_METADATA",
	TypeAppChunk:        "APP_CHUNK",
	TypeAppChunkAck:     "APP_CHUNK_ACK",
	TypeAppComplete:     "APP_COMPLETE",
	TypeAppInstall:      "APP_INSTALL",
	TypeAppUninstall:    "APP_UNINSTALL",
	TypeAppStart:        "APP_START",
	TypeAppStop:         "APP_STOP",

	TypeDataSync:     "DATA_SYNC",
	TypeDataFetch:    "DATA_FETCH",
	TypeDataResponse: "DATA_RESPONSE",
	TypeSensorData:   "SENSOR_DATA",
	TypeLogData:      "LOG_DATA",

	TypeCmdReboot:       "CMD_REBOOT",
	TypeCmdFactoryReset: "CMD_FACTORY_RESET",
	TypeCmdSleep:        "CMD_SLEEP",
	TypeCmdWake:         "CMD_WAKE",
	TypeCmdCustom:       "CMD_CUSTOM",

	TypeNotifyPush:  "NOTIFY_PUSH",
	TypeNotifyAlert: "NOTIFY_ALERT",
	TypeNotifyAck:   "NOTIFY_ACK",
}

// Flags bitmask (uint8)
const (
	FlagNone       uint8 = 0x00
	FlagResponse   uint8 = 0x01 // this message is a response
	FlagEncrypted  uint8 = 0x02 // payload encrypted
	FlagCompressed uint8 = 0x04 // payload compressed
	FlagNeedsAck   uint8 = 0x08 // requires acknowledgment
	FlagFinal      uint8 = 0x10 // final chunk in sequence
	FlagError      uint8 = 0x80 // error indication
)
