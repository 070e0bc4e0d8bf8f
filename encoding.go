package ixkv

import (
	"bytes"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

type encodingMethod int

const (
	MsgPack encodingMethod = iota

	defaultValueEncoding = MsgPack
)

func (enc encodingMethod) EncodeValue(buf []byte, objVal reflect.Value) []byte {
	switch enc {
	case MsgPack:
		bb := bytesBuilder{buf}
		e := msgpack.GetEncoder()
		e.ResetDict(&bb, nil)
		e.SetSortMapKeys(true)
		err := e.EncodeValue(objVal)
		msgpack.PutEncoder(e)
		if err != nil {
			panic(dataErrf(nil, 0, err, "failed to encode %T using MsgPack", objVal.Interface()))
		}
		return bb.Buf
	default:
		panic("unsupported encoding")
	}
}

func (enc encodingMethod) DecodeValue(buf []byte, objPtrVal reflect.Value) error {
	switch enc {
	case MsgPack:
		var r bytes.Reader
		r.Reset(buf)
		d := msgpack.GetDecoder()
		d.ResetDict(&r, nil)
		err := d.DecodeValue(objPtrVal)
		msgpack.PutDecoder(d)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode msgpack into %T", objPtrVal.Interface())
		}
		return nil
	default:
		panic("unsupported encoding")
	}
}
