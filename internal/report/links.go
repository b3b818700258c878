package report

import (
	"github.com/aspect-build/caxe/internal/logx"
	"github.com/beevik/etree"
)

// Links returns the href of every credential link in doc, in document order
// and without duplicates. An empty result is not an error.
func Links(doc []byte) ([]string, error) {
	return LinksOfType(doc, CredentialMediaType)
}

// LinksOfType walks the same tree StripType removes links from, so every
// element that leaves the content identifier is also returned here.
func LinksOfType(doc []byte, mediaType string) ([]string, error) {
	root, err := parse(doc)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	walkLinks(root, mediaType, func(el *etree.Element) {
		href, ok := attrValue(el, "href")
		if !ok || href == "" {
			logx.Debugf("credential link without href skipped")
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		out = append(out, href)
	})
	return out, nil
}

// RequireLinks is Links for callers that reject reports without references.
func RequireLinks(doc []byte, mediaType string) ([]string, error) {
	links, err := LinksOfType(doc, mediaType)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, ErrNoCredentialLinks
	}
	return links, nil
}
