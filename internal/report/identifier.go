// Package report derives the verifiable identity of an inline XBRL / XHTML
// report and the credential references embedded in it.
package report

import (
	"bytes"
	"errors"
	"strings"

	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"golang.org/x/net/html/charset"
)

// CredentialMediaType marks a <link> element as a credential reference.
const CredentialMediaType = "application/json+acdc"

// ContentID returns the qb64 digest of the canonical report with credential
// links removed.
func ContentID(doc []byte, alg crypto.Algorithm) (string, error) {
	return ContentIDOfType(doc, CredentialMediaType, alg)
}

// ContentIDOfType is ContentID with an explicit credential media type.
func ContentIDOfType(doc []byte, mediaType string, alg crypto.Algorithm) (string, error) {
	canon, err := StripType(doc, mediaType)
	if err != nil {
		return "", err
	}
	return crypto.Digest(alg, canon)
}

// Strip removes credential links and returns the C14N 1.1 serialization of
// what remains.
func Strip(doc []byte) ([]byte, error) {
	return StripType(doc, CredentialMediaType)
}

func StripType(doc []byte, mediaType string) ([]byte, error) {
	root, err := parse(doc)
	if err != nil {
		return nil, err
	}
	removeLinks(root, mediaType)

	canon, err := dsig.MakeC14N11Canonicalizer().Canonicalize(root)
	if err != nil {
		return nil, &DocumentParseError{Err: err}
	}
	return canon, nil
}

func parse(doc []byte) (*etree.Element, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, &DocumentParseError{Err: errors.New("empty document")}
	}
	d := etree.NewDocument()
	d.ReadSettings.CharsetReader = charset.NewReaderLabel
	if err := d.ReadFromBytes(doc); err != nil {
		return nil, &DocumentParseError{Err: err}
	}
	root := d.Root()
	if root == nil {
		return nil, &DocumentParseError{Err: errors.New("no root element")}
	}
	return root, nil
}

func removeLinks(el *etree.Element, mediaType string) {
	for _, child := range el.ChildElements() {
		if isCredentialLink(child, mediaType) {
			el.RemoveChild(child)
			continue
		}
		removeLinks(child, mediaType)
	}
}

// walkLinks calls fn for every credential link under el in document order.
// It visits exactly the elements removeLinks removes.
func walkLinks(el *etree.Element, mediaType string, fn func(*etree.Element)) {
	for _, child := range el.ChildElements() {
		if isCredentialLink(child, mediaType) {
			fn(child)
			continue
		}
		walkLinks(child, mediaType, fn)
	}
}

// isCredentialLink matches <link> by local name, so a namespace prefix does
// not hide it. Attribute names match without regard to case.
func isCredentialLink(el *etree.Element, mediaType string) bool {
	if !strings.EqualFold(el.Tag, "link") {
		return false
	}
	typ, _ := attrValue(el, "type")
	return strings.EqualFold(strings.TrimSpace(typ), mediaType)
}

func attrValue(el *etree.Element, key string) (string, bool) {
	for _, a := range el.Attr {
		if a.Space == "" && strings.EqualFold(a.Key, key) {
			return a.Value, true
		}
	}
	return "", false
}
