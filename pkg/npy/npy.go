// Package npy 读写 NumPy .npy 格式的二维浮点矩阵，用于存放多向量原始数据。
package npy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var magic = []byte("\x93NUMPY")

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// Encode 把矩阵编码为 version 1.0、dtype '<f4' 的 .npy 字节流。
// 所有行必须等长。
func Encode(mv [][]float32) ([]byte, error) {
	rows := len(mv)
	cols := 0
	if rows > 0 {
		cols = len(mv[0])
	}
	for i, row := range mv {
		if len(row) != cols {
			return nil, fmt.Errorf("npy: row %d has %d values, want %d", i, len(row), cols)
		}
	}

	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", rows, cols)
	// magic(6) + version(2) + header_len(2) + header + '\n' 对齐到 64 字节
	total := 10 + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"

	buf := bytes.NewBuffer(make([]byte, 0, 10+len(header)+rows*cols*4))
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	var word [4]byte
	for _, row := range mv {
		for _, x := range row {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(x))
			buf.Write(word[:])
		}
	}
	return buf.Bytes(), nil
}

// Decode 解析 .npy 字节流，支持 '<f4' 与 '<f8' 的 C 顺序二维（或一维）数组。
func Decode(data []byte) ([][]float32, error) {
	r := bytes.NewReader(data)
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("npy: read preamble: %w", err)
	}
	if !bytes.Equal(head[:6], magic) {
		return nil, errors.New("npy: bad magic")
	}

	var headerLen int
	switch head[6] {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("npy: unsupported version %d.%d", head[6], head[7])
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("npy: read header: %w", err)
	}
	descr, rows, cols, err := parseHeader(string(header))
	if err != nil {
		return nil, err
	}

	var width int
	switch descr {
	case "<f4":
		width = 4
	case "<f8":
		width = 8
	default:
		return nil, fmt.Errorf("npy: unsupported dtype %q", descr)
	}

	body := data[len(data)-r.Len():]
	if len(body) < rows*cols*width {
		return nil, fmt.Errorf("npy: truncated body: have %d bytes, want %d", len(body), rows*cols*width)
	}

	out := make([][]float32, rows)
	off := 0
	for i := range out {
		row := make([]float32, cols)
		for j := range row {
			if width == 4 {
				row[j] = math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
			} else {
				row[j] = float32(math.Float64frombits(binary.LittleEndian.Uint64(body[off:])))
			}
			off += width
		}
		out[i] = row
	}
	return out, nil
}

func parseHeader(h string) (descr string, rows, cols int, err error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return "", 0, 0, errors.New("npy: header missing descr")
	}
	descr = m[1]
	if f := fortranRe.FindStringSubmatch(h); f != nil && f[1] == "True" {
		return "", 0, 0, errors.New("npy: fortran order is not supported")
	}
	s := shapeRe.FindStringSubmatch(h)
	if s == nil {
		return "", 0, 0, errors.New("npy: header missing shape")
	}

	var dims []int
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, convErr := strconv.Atoi(part)
		if convErr != nil || n < 0 {
			return "", 0, 0, fmt.Errorf("npy: bad shape %q", s[1])
		}
		dims = append(dims, n)
	}
	switch len(dims) {
	case 1:
		return descr, 1, dims[0], nil
	case 2:
		return descr, dims[0], dims[1], nil
	default:
		return "", 0, 0, fmt.Errorf("npy: expected 1 or 2 dimensions, got %d", len(dims))
	}
}
