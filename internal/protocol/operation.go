package protocol

import "sort"

// Operation 是跨通道可调用的签名库操作，封闭枚举。
type Operation string

const (
	OpInitialize             Operation = "Initialize"
	OpDoesNeedSetSettings    Operation = "DoesNeedSetSettings"
	OpSetSettings            Operation = "SetSettings"
	OpSaveCertificates       Operation = "SaveCertificates"
	OpEnumKeyMediaTypes      Operation = "EnumKeyMediaTypes"
	OpEnumKeyMediaDevices    Operation = "EnumKeyMediaDevices"
	OpReadPrivateKeyBinary   Operation = "ReadPrivateKeyBinary"
	OpReadPrivateKeySilently Operation = "ReadPrivateKeySilently"
	OpGetKeyInfoBinary       Operation = "GetKeyInfoBinary"
	OpGetKeyInfoSilently     Operation = "GetKeyInfoSilently"
	OpGetPrivateKeyOwnerInfo Operation = "GetPrivateKeyOwnerInfo"
	OpEnumOwnCertificates    Operation = "EnumOwnCertificates"
	OpSign                   Operation = "Sign"
	OpVerify                 Operation = "Verify"
)

var knownOperations = map[Operation]struct{}{
	OpInitialize:             {},
	OpDoesNeedSetSettings:    {},
	OpSetSettings:            {},
	OpSaveCertificates:       {},
	OpEnumKeyMediaTypes:      {},
	OpEnumKeyMediaDevices:    {},
	OpReadPrivateKeyBinary:   {},
	OpReadPrivateKeySilently: {},
	OpGetKeyInfoBinary:       {},
	OpGetKeyInfoSilently:     {},
	OpGetPrivateKeyOwnerInfo: {},
	OpEnumOwnCertificates:    {},
	OpSign:                   {},
	OpVerify:                 {},
}

// Known 判断操作是否属于封闭枚举。
func (op Operation) Known() bool {
	_, ok := knownOperations[op]
	return ok
}

// AllOperations 返回按名称排序的全部操作。
func AllOperations() []Operation {
	ops := make([]Operation, 0, len(knownOperations))
	for op := range knownOperations {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}
