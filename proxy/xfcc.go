// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package proxy

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/url"
	"strings"
)

const xFCCHeader = "X-Forwarded-Client-Cert"

// setXFCCHeader replaces the client certificate header of an outbound
// request. The header is only set when the peer is a trusted proxy and
// presented a verified certificate. The value is Cert= followed by the
// url-encoded PEM chain, leaf first.
func setXFCCHeader(h http.Header, trusted bool, st *clientCertState) {
	h.Del(xFCCHeader)
	if !trusted || st == nil || !st.verified || len(st.certs) == 0 {
		return
	}
	h.Set(xFCCHeader, encodeXFCCCert(st.certs))
}

func encodeXFCCCert(certs []*x509.Certificate) string {
	var buf bytes.Buffer
	for _, c := range certs {
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return "Cert=" + encodeXFCC(url.QueryEscape(buf.String()))
}

func encodeXFCC(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, `"`, `\"`)
	if strings.ContainsAny(s, ",;=") {
		s = `"` + s + `"`
	}
	return s
}
