package meter_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/meter-tracker/internal/auth"
	"github.com/zombor/meter-tracker/internal/meter"
	"github.com/zombor/meter-tracker/internal/scanning"
)

// stubScanner answers every photo with a fixed reply
type stubScanner struct {
	reply   string
	utility scanning.Utility
	digits  int
}

func (s *stubScanner) ScanMeter(ctx context.Context, imageData []byte, mediaType string, utility scanning.Utility, digits int) (string, error) {
	s.utility = utility
	s.digits = digits
	return s.reply, nil
}

func (s *stubScanner) Close() error {
	return nil
}

// jpegHeader builds the smallest JPEG whose SOF0 segment reports width x height
func jpegHeader(width, height int) []byte {
	var b bytes.Buffer
	b.Write([]byte{0xFF, 0xD8, 0xFF, 0xC0})
	binary.Write(&b, binary.BigEndian, uint16(11))
	b.WriteByte(0x08)
	binary.Write(&b, binary.BigEndian, uint16(height))
	binary.Write(&b, binary.BigEndian, uint16(width))
	b.Write([]byte{0x01, 0x01, 0x11, 0x00, 0xFF, 0xD9})
	return b.Bytes()
}

var _ = Describe("Integration", func() {
	var (
		scanner  *stubScanner
		service  *meter.Service
		ghServer *ghttp.Server
		token    string
	)

	BeforeEach(func() {
		tempDir := GinkgoT().TempDir()

		db, err := meter.NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)

		store, err := meter.NewLocalStorage(filepath.Join(tempDir, "images"))
		Expect(err).NotTo(HaveOccurred())

		tokens, err := auth.NewIssuer("integration-secret", time.Hour)
		Expect(err).NotTo(HaveOccurred())

		scanner = &stubScanner{reply: "The reading is 02340."}
		service = meter.NewService(db, scanning.NewPipeline(scanner), store, tokens)
		server := meter.NewServer(service)

		ghServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "DELETE"} {
			ghServer.RouteToHandler(method, regexp.MustCompile(".*"), server.Handler().ServeHTTP)
		}
		DeferCleanup(ghServer.Close)

		session, err := service.Register("alice@example.com", "hunter22", "Alice")
		Expect(err).NotTo(HaveOccurred())
		token = session.AccessToken
	})

	upload := func(path string, image []byte, fields map[string]string) (*http.Response, map[string]any) {
		GinkgoHelper()
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range fields {
			Expect(w.WriteField(k, v)).To(Succeed())
		}
		part, err := w.CreateFormFile("image", "meter.jpg")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(image)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())

		req, err := http.NewRequest("POST", ghServer.URL()+path, &buf)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var body map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		return resp, body
	}

	gasMeter := func() *meter.Meter {
		GinkgoHelper()
		id, err := service.Authenticate(token)
		Expect(err).NotTo(HaveOccurred())
		meters, err := service.ListMeters(id)
		Expect(err).NotTo(HaveOccurred())
		for _, m := range meters {
			if m.Utility == scanning.Gas {
				return m
			}
		}
		Fail("no gas meter")
		return nil
	}

	It("reads a guest photo end to end", func() {
		resp, body := upload("/guest/recognize", jpegHeader(800, 600), nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).To(Equal(map[string]any{"result": "02340"}))
		Expect(scanner.utility).To(Equal(scanning.Gas))
		Expect(scanner.digits).To(Equal(5))
	})

	It("returns the partial digits when the reply is short", func() {
		scanner.reply = "0234"
		resp, body := upload("/guest/recognize", jpegHeader(800, 600), nil)
		Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		Expect(body).To(HaveKeyWithValue("result", "0234"))
		Expect(body).To(HaveKeyWithValue("error", "Expected at least 5 digits, got 4"))
	})

	It("rejects a photo below the minimum resolution", func() {
		resp, body := upload("/guest/recognize", jpegHeader(50, 50), nil)
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(body["error"]).To(ContainSubstring("50x50"))
	})

	It("stores a reading with its photo for a meter", func() {
		m := gasMeter()
		image := jpegHeader(800, 600)
		resp, body := upload("/recognize", image, map[string]string{"meter_id": m.ID})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["result"]).To(Equal("02340"))

		readingID := body["reading_id"].(string)
		req, err := http.NewRequest("GET", ghServer.URL()+"/readings/"+readingID+"/image", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Authorization", "Bearer "+token)
		imgResp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer imgResp.Body.Close()
		Expect(imgResp.StatusCode).To(Equal(http.StatusOK))
		Expect(imgResp.Header.Get("Content-Type")).To(Equal("image/jpeg"))

		var got bytes.Buffer
		_, err = got.ReadFrom(imgResp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Bytes()).To(Equal(image))

		id, err := service.Authenticate(token)
		Expect(err).NotTo(HaveOccurred())
		readings, err := service.ListReadings(id, m.ID, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(readings).To(HaveLen(1))
		Expect(readings[0].Value).To(Equal(int64(2340)))
	})
})
