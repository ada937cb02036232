package gatt

// ATT opcodes, from the Bluetooth Core Spec, Vol 3, Part F.
const (
	OpError           = 0x01
	OpMtuReq          = 0x02
	OpMtuResp         = 0x03
	OpFindInfoReq     = 0x04
	OpFindInfoResp    = 0x05
	OpFindByTypeReq   = 0x06
	OpFindByTypeResp  = 0x07
	OpReadByTypeReq   = 0x08
	OpReadByTypeResp  = 0x09
	OpReadReq         = 0x0a
	OpReadResp        = 0x0b
	OpReadBlobReq     = 0x0c
	OpReadBlobResp    = 0x0d
	OpReadMultiReq    = 0x0e
	OpReadMultiResp   = 0x0f
	OpReadByGroupReq  = 0x10
	OpReadByGroupResp = 0x11
	OpWriteReq        = 0x12
	OpWriteResp       = 0x13
	OpWriteCmd        = 0x52
	OpPrepWriteReq    = 0x16
	OpPrepWriteResp   = 0x17
	OpExecWriteReq    = 0x18
	OpExecWriteResp   = 0x19
	OpHandleNotify    = 0x1b
	OpHandleInd       = 0x1d
	OpHandleCnf       = 0x1e
	OpSignedWriteCmd  = 0xd2
)

// ATT error codes.
const (
	EcodeSuccess           = 0x00
	EcodeInvalidHandle     = 0x01
	EcodeReadNotPerm       = 0x02
	EcodeWriteNotPerm      = 0x03
	EcodeInvalidPDU        = 0x04
	EcodeAuthentication    = 0x05
	EcodeReqNotSupp        = 0x06
	EcodeInvalidOffset     = 0x07
	EcodeAuthorization     = 0x08
	EcodePrepQueueFull     = 0x09
	EcodeAttrNotFound      = 0x0a
	EcodeAttrNotLong       = 0x0b
	EcodeInsuffEncrKeySize = 0x0c
	EcodeInvalAttrValueLen = 0x0d
	EcodeUnlikely          = 0x0e
	EcodeInsuffEnc         = 0x0f
	EcodeUnsuppGrpType     = 0x10
	EcodeInsuffResources   = 0x11
)

// Well-known GATT attribute UUIDs.
var (
	AttrGAPUUID  = UUID16(0x1800)
	AttrGATTUUID = UUID16(0x1801)

	AttrPrimaryServiceUUID   = UUID16(0x2800)
	AttrSecondaryServiceUUID = UUID16(0x2801)
	AttrIncludeUUID          = UUID16(0x2802)
	AttrCharacteristicUUID   = UUID16(0x2803)

	AttrClientCharacteristicConfigUUID = UUID16(0x2902)
	AttrServerCharacteristicConfigUUID = UUID16(0x2903)
)

// CharProperty bits, as they appear in a characteristic declaration.
type CharProperty uint8

const (
	CharBroadcast   CharProperty = 0x01
	CharRead        CharProperty = 0x02
	CharWriteNR     CharProperty = 0x04
	CharWrite       CharProperty = 0x08
	CharNotify      CharProperty = 0x10
	CharIndicate    CharProperty = 0x20
	CharSignedWrite CharProperty = 0x40
	CharExtended    CharProperty = 0x80
)

// CCCNotifyFlag is the value written to a 0x2902 Client Characteristic
// Configuration descriptor to enable notifications.
const CCCNotifyFlag = 0x0001
