// SPDX-License-Identifier: MIT

package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// encode serializes v's fields into a tag byte followed by a fixed,
// explicit layout per variant. There is no reflection and no general
// object graph: each variant hand-writes its own wire shape.
func encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(v.tag()))

	switch f := v.(type) {
	case Call:
		writeString(&buf, f.Name)
		writeUint32(&buf, uint32(len(f.Args)))
		for _, a := range f.Args {
			writeArg(&buf, a)
		}
		writeUint32(&buf, uint32(len(f.Kwargs)))
		for k, a := range f.Kwargs {
			writeString(&buf, k)
			writeArg(&buf, a)
		}
		writeBool(&buf, f.StdoutIsTTY)
		writeBool(&buf, f.StderrIsTTY)

	case StdoutChunk:
		writeString(&buf, f.Text)

	case StderrChunk:
		writeString(&buf, f.Text)

	case Result:
		writeString(&buf, f.Value)

	case ErrorResult:
		writeString(&buf, f.Message)
		writeString(&buf, f.Kind)

	default:
		return nil, fmt.Errorf("%w: unknown frame value %T", ErrProtocol, v)
	}

	return buf.Bytes(), nil
}

func decode(payload []byte) (Value, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty frame payload", ErrProtocol)
	}
	tag := Tag(payload[0])
	r := bytes.NewReader(payload[1:])

	switch tag {
	case TagCall:
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		nArgs, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		args := make([]Arg, 0, nArgs)
		for i := uint32(0); i < nArgs; i++ {
			a, err := readArg(r)
			if err != nil {
				return nil, err
			}
			args = append(args, a)
		}
		nKwargs, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		kwargs := make(map[string]Arg, nKwargs)
		for i := uint32(0); i < nKwargs; i++ {
			k, err := readString(r)
			if err != nil {
				return nil, err
			}
			a, err := readArg(r)
			if err != nil {
				return nil, err
			}
			kwargs[k] = a
		}
		stdoutTTY, err := readBool(r)
		if err != nil {
			return nil, err
		}
		stderrTTY, err := readBool(r)
		if err != nil {
			return nil, err
		}
		return Call{Name: name, Args: args, Kwargs: kwargs, StdoutIsTTY: stdoutTTY, StderrIsTTY: stderrTTY}, nil

	case TagStdoutChunk:
		text, err := readString(r)
		if err != nil {
			return nil, err
		}
		return StdoutChunk{Text: text}, nil

	case TagStderrChunk:
		text, err := readString(r)
		if err != nil {
			return nil, err
		}
		return StderrChunk{Text: text}, nil

	case TagResult:
		value, err := readString(r)
		if err != nil {
			return nil, err
		}
		return Result{Value: value}, nil

	case TagErrorResult:
		message, err := readString(r)
		if err != nil {
			return nil, err
		}
		kind, err := readString(r)
		if err != nil {
			return nil, err
		}
		return ErrorResult{Message: message, Kind: kind}, nil

	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrProtocol, tag)
	}
}

func writeArg(buf *bytes.Buffer, a Arg) {
	buf.WriteByte(byte(a.Kind))
	switch a.Kind {
	case ArgString:
		writeString(buf, a.Str)
	case ArgInt:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(a.Int))
		buf.Write(b[:])
	case ArgBool:
		writeBool(buf, a.Bool)
	}
}

func readArg(r *bytes.Reader) (Arg, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Arg{}, fmt.Errorf("%w: read arg kind: %v", ErrProtocol, err)
	}
	kind := ArgKind(kindByte)
	switch kind {
	case ArgString:
		s, err := readString(r)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgString, Str: s}, nil
	case ArgInt:
		var b [8]byte
		if _, err := readFull(r, b[:]); err != nil {
			return Arg{}, fmt.Errorf("%w: read arg int: %v", ErrProtocol, err)
		}
		return Arg{Kind: ArgInt, Int: int64(binary.BigEndian.Uint64(b[:]))}, nil
	case ArgBool:
		v, err := readBool(r)
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgBool, Bool: v}, nil
	default:
		return Arg{}, fmt.Errorf("%w: unknown arg kind %d", ErrProtocol, kind)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return "", fmt.Errorf("%w: read string body: %v", ErrProtocol, err)
	}
	return string(b), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: read uint32: %v", ErrProtocol, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("%w: read bool: %v", ErrProtocol, err)
	}
	return b != 0, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := r.Read(b[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("no progress reading")
		}
	}
	return n, nil
}
