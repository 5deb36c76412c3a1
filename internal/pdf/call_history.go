package pdf

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jung-kurt/gofpdf"

	"gossiphub/internal/models"
)

// Generator renders reports; handlers depend on it so tests can swap it.
type Generator interface {
	WriteCallHistory(w io.Writer, data CallHistoryData) error
}

type ReportGenerator struct {
	FontPath string // TTF with Cyrillic/Latin glyphs; core Helvetica when empty
	fontName string
	utf8     bool
}

type CallHistoryData struct {
	Identity    string
	Calls       []*models.CallSession
	GeneratedAt time.Time
}

func NewReportGenerator(fontPath string) *ReportGenerator {
	g := &ReportGenerator{FontPath: fontPath, fontName: "Helvetica"}
	if fontPath != "" {
		if _, err := os.Stat(fontPath); err == nil {
			g.fontName = "DejaVu"
			g.utf8 = true
		}
	}
	return g
}

var columns = []struct {
	title string
	width float64
}{
	{"Started", 38},
	{"With", 42},
	{"Direction", 24},
	{"Kind", 18},
	{"Status", 24},
	{"Duration", 24},
}

func (g *ReportGenerator) WriteCallHistory(w io.Writer, data CallHistoryData) error {
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = time.Now()
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Call history "+data.Identity, g.utf8)
	pdf.SetAuthor("gossiphub", false)
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 20)
	g.addFont(pdf)
	tr := g.translator(pdf)

	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(g.fontName, "", 9)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont(g.fontName, "B", 18)
	pdf.CellFormat(0, 10, "CALL HISTORY", "", 1, "C", false, 0, "")
	g.hr(pdf)
	pdf.Ln(2)

	g.kvLine(pdf, "User", tr(data.Identity))
	g.kvLine(pdf, "Generated", data.GeneratedAt.Format("02.01.2006 15:04"))
	g.kvLine(pdf, "Calls", fmt.Sprintf("%d", len(data.Calls)))
	pdf.Ln(2)
	g.hr(pdf)

	if len(data.Calls) == 0 {
		pdf.SetFont(g.fontName, "", 11)
		pdf.MultiCell(0, 6, "No calls yet.", "", "L", false)
		return pdf.Output(w)
	}

	pdf.SetFont(g.fontName, "B", 10)
	pdf.SetFillColor(230, 230, 230)
	for _, c := range columns {
		pdf.CellFormat(c.width, 7, c.title, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont(g.fontName, "", 10)
	for _, call := range data.Calls {
		direction, peer := "Outgoing", call.CalleeID
		if call.CalleeID == data.Identity {
			direction, peer = "Incoming", call.CallerID
		}
		row := []string{
			call.StartedAt.Format("02.01.2006 15:04"),
			tr(peer),
			direction,
			call.Kind.Label(),
			string(call.Status),
			formatDuration(call.Duration),
		}
		for i, c := range columns {
			pdf.CellFormat(c.width, 6, row[i], "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
	return pdf.Output(w)
}

func formatDuration(seconds int) string {
	if seconds <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func (g *ReportGenerator) kvLine(pdf *gofpdf.Fpdf, key, val string) {
	pdf.SetFont(g.fontName, "B", 11)
	pdf.CellFormat(35, 6, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(g.fontName, "", 11)
	pdf.CellFormat(0, 6, val, "", 1, "L", false, 0, "")
}

func (g *ReportGenerator) hr(pdf *gofpdf.Fpdf) {
	y := pdf.GetY() + 1.5
	pdf.SetLineWidth(0.2)
	pdf.Line(20, y, 190, y)
	pdf.SetY(y + 2)
}

func (g *ReportGenerator) addFont(pdf *gofpdf.Fpdf) {
	if !g.utf8 {
		return
	}
	pdf.AddUTF8Font(g.fontName, "", g.FontPath)
	pdf.AddUTF8Font(g.fontName, "B", g.FontPath)
}

// translator maps UTF-8 to the core font code page when no TTF is loaded.
func (g *ReportGenerator) translator(pdf *gofpdf.Fpdf) func(string) string {
	if g.utf8 {
		return func(s string) string { return s }
	}
	return pdf.UnicodeTranslatorFromDescriptor("")
}
