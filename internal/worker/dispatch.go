package worker

import (
	"github.com/aegis-sign/signbridge/internal/native"
	"github.com/aegis-sign/signbridge/internal/protocol"
)

type handler func(lib native.Library, req *protocol.Envelope) (any, error)

// dispatchTable 是操作到签名库调用的显式映射，未列出的操作一律拒绝。
var dispatchTable = map[protocol.Operation]handler{
	protocol.OpInitialize: func(lib native.Library, _ *protocol.Envelope) (any, error) {
		return nil, lib.Initialize()
	},
	protocol.OpDoesNeedSetSettings: func(lib native.Library, _ *protocol.Envelope) (any, error) {
		return lib.DoesNeedSetSettings()
	},
	protocol.OpSetSettings: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var settings native.Settings
		if err := req.DecodeArg(0, &settings); err != nil {
			return nil, err
		}
		return nil, lib.SetSettings(settings)
	},
	protocol.OpSaveCertificates: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var bundle []byte
		if err := req.DecodeArg(0, &bundle); err != nil {
			return nil, err
		}
		return nil, lib.SaveCertificates(bundle)
	},
	protocol.OpEnumKeyMediaTypes: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var index int
		if err := req.DecodeArg(0, &index); err != nil {
			return nil, err
		}
		return lib.EnumKeyMediaTypes(index)
	},
	protocol.OpEnumKeyMediaDevices: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var typeIndex, index int
		if err := decodeArgs(req, &typeIndex, &index); err != nil {
			return nil, err
		}
		return lib.EnumKeyMediaDevices(typeIndex, index)
	},
	protocol.OpReadPrivateKeyBinary: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var container []byte
		var password string
		if err := decodeArgs(req, &container, &password); err != nil {
			return nil, err
		}
		return lib.ReadPrivateKeyBinary(container, password)
	},
	protocol.OpReadPrivateKeySilently: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var typeIndex, deviceIndex int
		var password string
		if err := decodeArgs(req, &typeIndex, &deviceIndex, &password); err != nil {
			return nil, err
		}
		return lib.ReadPrivateKeySilently(typeIndex, deviceIndex, password)
	},
	protocol.OpGetKeyInfoBinary: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var container []byte
		var password string
		if err := decodeArgs(req, &container, &password); err != nil {
			return nil, err
		}
		return lib.GetKeyInfoBinary(container, password)
	},
	protocol.OpGetKeyInfoSilently: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var typeIndex, deviceIndex int
		var password string
		if err := decodeArgs(req, &typeIndex, &deviceIndex, &password); err != nil {
			return nil, err
		}
		return lib.GetKeyInfoSilently(typeIndex, deviceIndex, password)
	},
	protocol.OpGetPrivateKeyOwnerInfo: func(lib native.Library, _ *protocol.Envelope) (any, error) {
		return lib.GetPrivateKeyOwnerInfo()
	},
	protocol.OpEnumOwnCertificates: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var index int
		if err := req.DecodeArg(0, &index); err != nil {
			return nil, err
		}
		return lib.EnumOwnCertificates(index)
	},
	protocol.OpSign: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var attached bool
		var data []byte
		if err := decodeArgs(req, &attached, &data); err != nil {
			return nil, err
		}
		return lib.Sign(attached, data)
	},
	protocol.OpVerify: func(lib native.Library, req *protocol.Envelope) (any, error) {
		var signature, data []byte
		if err := decodeArgs(req, &signature, &data); err != nil {
			return nil, err
		}
		return lib.Verify(signature, data)
	},
}

func decodeArgs(req *protocol.Envelope, targets ...any) error {
	for i, target := range targets {
		if err := req.DecodeArg(i, target); err != nil {
			return err
		}
	}
	return nil
}

// SupportedOperations 返回 worker 可分发的操作。
func SupportedOperations() []protocol.Operation {
	ops := make([]protocol.Operation, 0, len(dispatchTable))
	for _, op := range protocol.AllOperations() {
		if _, ok := dispatchTable[op]; ok {
			ops = append(ops, op)
		}
	}
	return ops
}
