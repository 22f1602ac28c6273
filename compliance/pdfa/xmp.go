package pdfa

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Info is the document information mirrored into the XMP packet.
type Info struct {
	Title    string
	Author   string
	Subject  string
	Keywords string
	Creator  string
	Producer string
	Created  time.Time
}

// XMP returns a metadata packet identifying the document as level. The Dublin
// Core, XMP basic and PDF schema properties mirror info.
func XMP(level Level, info Info) []byte {
	created := info.Created
	if created.IsZero() {
		created = time.Now()
	}
	stamp := created.Format(time.RFC3339)

	var b bytes.Buffer
	b.WriteString("<?xpacket begin=\"\xef\xbb\xbf\" id=\"W5M0MpCehiHzreSzNTczkc9d\"?>\n")
	b.WriteString("<x:xmpmeta xmlns:x=\"adobe:ns:meta/\">\n")
	b.WriteString("<rdf:RDF xmlns:rdf=\"http://www.w3.org/1999/02/22-rdf-syntax-ns#\">\n")

	b.WriteString("<rdf:Description rdf:about=\"\" xmlns:pdfaid=\"http://www.aiim.org/pdfa/ns/id/\">\n")
	fmt.Fprintf(&b, "<pdfaid:part>%d</pdfaid:part>\n", level.Part())
	fmt.Fprintf(&b, "<pdfaid:conformance>%s</pdfaid:conformance>\n", level.Conformance())
	b.WriteString("</rdf:Description>\n")

	b.WriteString("<rdf:Description rdf:about=\"\" xmlns:dc=\"http://purl.org/dc/elements/1.1/\">\n")
	b.WriteString("<dc:format>application/pdf</dc:format>\n")
	if info.Title != "" {
		b.WriteString("<dc:title><rdf:Alt><rdf:li xml:lang=\"x-default\">")
		escape(&b, info.Title)
		b.WriteString("</rdf:li></rdf:Alt></dc:title>\n")
	}
	if info.Author != "" {
		b.WriteString("<dc:creator><rdf:Seq><rdf:li>")
		escape(&b, info.Author)
		b.WriteString("</rdf:li></rdf:Seq></dc:creator>\n")
	}
	if info.Subject != "" {
		b.WriteString("<dc:description><rdf:Alt><rdf:li xml:lang=\"x-default\">")
		escape(&b, info.Subject)
		b.WriteString("</rdf:li></rdf:Alt></dc:description>\n")
	}
	b.WriteString("</rdf:Description>\n")

	b.WriteString("<rdf:Description rdf:about=\"\" xmlns:xmp=\"http://ns.adobe.com/xap/1.0/\">\n")
	fmt.Fprintf(&b, "<xmp:CreateDate>%s</xmp:CreateDate>\n", stamp)
	fmt.Fprintf(&b, "<xmp:ModifyDate>%s</xmp:ModifyDate>\n", stamp)
	fmt.Fprintf(&b, "<xmp:MetadataDate>%s</xmp:MetadataDate>\n", stamp)
	if info.Creator != "" {
		b.WriteString("<xmp:CreatorTool>")
		escape(&b, info.Creator)
		b.WriteString("</xmp:CreatorTool>\n")
	}
	b.WriteString("</rdf:Description>\n")

	b.WriteString("<rdf:Description rdf:about=\"\" xmlns:pdf=\"http://ns.adobe.com/pdf/1.3/\">\n")
	if info.Producer != "" {
		b.WriteString("<pdf:Producer>")
		escape(&b, info.Producer)
		b.WriteString("</pdf:Producer>\n")
	}
	if kw := strings.TrimSpace(info.Keywords); kw != "" {
		b.WriteString("<pdf:Keywords>")
		escape(&b, kw)
		b.WriteString("</pdf:Keywords>\n")
	}
	b.WriteString("</rdf:Description>\n")

	b.WriteString("</rdf:RDF>\n</x:xmpmeta>\n")
	b.WriteString("<?xpacket end=\"w\"?>")
	return b.Bytes()
}

func escape(b *bytes.Buffer, s string) {
	_ = xml.EscapeText(b, []byte(s))
}
