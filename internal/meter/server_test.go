package meter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/meter-tracker/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		env         *testEnv
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		env = newTestEnv()
		server = NewServerWithMux(env.service, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(".*"), server.Handler().ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	send := func(method, path, token string, body io.Reader, contentType string) *http.Response {
		GinkgoHelper()
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	sendJSON := func(method, path, token string, payload any) *http.Response {
		GinkgoHelper()
		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			Expect(err).NotTo(HaveOccurred())
			body = bytes.NewReader(data)
		}
		return send(method, path, token, body, "application/json")
	}

	sendImage := func(path, token string, fields map[string]string) *http.Response {
		GinkgoHelper()
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range fields {
			Expect(w.WriteField(k, v)).To(Succeed())
		}
		part, err := w.CreateFormFile("image", "meter.jpg")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("jpeg bytes"))
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())
		return send("POST", path, token, &buf, w.FormDataContentType())
	}

	decode := func(resp *http.Response) map[string]any {
		GinkgoHelper()
		var body map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		return body
	}

	Describe("GET /health", func() {
		It("reports ok", func() {
			resp := send("GET", "/health", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)).To(Equal(map[string]any{"status": "ok"}))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp := send("OPTIONS", "/meters", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("accounts", func() {
		It("registers and logs in", func() {
			resp := sendJSON("POST", "/auth/register", "", map[string]string{
				"email": "alice@example.com", "password": "hunter22", "name": "Alice",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			body := decode(resp)
			Expect(body["access_token"]).NotTo(BeEmpty())
			Expect(body["token_type"]).To(Equal("bearer"))
			Expect(body["user"]).To(HaveKeyWithValue("email", "alice@example.com"))
			Expect(body["user"]).NotTo(HaveKey("password_hash"))

			resp = sendJSON("POST", "/auth/login", "", map[string]string{
				"email": "alice@example.com", "password": "hunter22",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("returns 409 for a taken email", func() {
			env.register("alice@example.com")
			resp := sendJSON("POST", "/auth/register", "", map[string]string{
				"email": "alice@example.com", "password": "x", "name": "A",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(decode(resp)).To(Equal(map[string]any{"error": "Email already registered"}))
		})

		It("returns 400 for an overlong password", func() {
			resp := sendJSON("POST", "/auth/register", "", map[string]string{
				"email": "alice@example.com", "password": strings.Repeat("x", 73), "name": "A",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decode(resp)).To(Equal(map[string]any{"error": "password must be at most 72 bytes"}))
		})

		It("returns 401 for a wrong password", func() {
			env.register("alice@example.com")
			resp := sendJSON("POST", "/auth/login", "", map[string]string{
				"email": "alice@example.com", "password": "nope",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("returns 400 for a malformed body", func() {
			resp := send("POST", "/auth/login", "", strings.NewReader("{"), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 when google sign-in is not configured", func() {
			resp := sendJSON("POST", "/auth/google", "", map[string]string{"google_id_token": "t"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("deletes the account", func() {
			session := env.register("alice@example.com")
			resp := sendJSON("DELETE", "/auth/account", session.AccessToken, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)).To(Equal(map[string]any{"detail": "Account deleted"}))

			resp = send("GET", "/meters", session.AccessToken, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("authentication", func() {
		It("rejects requests without a token", func() {
			resp := send("GET", "/meters", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Bearer"))
			Expect(decode(resp)).To(Equal(map[string]any{"error": "Not authenticated"}))
		})

		It("rejects invalid tokens", func() {
			resp := send("GET", "/meters", "garbage", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("with a signed-in user", func() {
		var (
			session *Session
			meter   *Meter
		)

		BeforeEach(func() {
			session = env.register("alice@example.com")
			meter = env.meterOf(session.User.ID, scanning.Gas)
		})

		It("lists the seeded meters", func() {
			resp := send("GET", "/meters", session.AccessToken, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var meters []Meter
			Expect(json.NewDecoder(resp.Body).Decode(&meters)).To(Succeed())
			Expect(meters).To(HaveLen(3))
		})

		It("creates a meter", func() {
			resp := sendJSON("POST", "/meters", session.AccessToken, map[string]any{
				"property_id": meter.PropertyID, "utility_type": "water", "name": "Garden", "digit_count": 7,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(decode(resp)).To(HaveKeyWithValue("digit_count", BeNumerically("==", 7)))
		})

		Describe("POST /recognize", func() {
			It("returns the digits and the new reading", func() {
				resp := sendImage("/recognize", session.AccessToken, map[string]string{"meter_id": meter.ID})
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				body := decode(resp)
				Expect(body["result"]).To(Equal("02340"))
				Expect(body["reading_id"]).NotTo(BeEmpty())
			})

			It("requires a meter", func() {
				resp := sendImage("/recognize", session.AccessToken, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("requires an image", func() {
				var buf bytes.Buffer
				w := multipart.NewWriter(&buf)
				Expect(w.WriteField("meter_id", meter.ID)).To(Succeed())
				Expect(w.Close()).To(Succeed())
				resp := send("POST", "/recognize", session.AccessToken, &buf, w.FormDataContentType())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decode(resp)).To(Equal(map[string]any{"error": "image is required"}))
			})

			It("returns 403 for another user's meter", func() {
				bob := env.register("bob@example.com")
				resp := sendImage("/recognize", bob.AccessToken, map[string]string{"meter_id": meter.ID})
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			})

			DescribeTable("mapping recognition failures",
				func(scanErr *scanning.Error, status int, body map[string]any) {
					env.recognizer.err = scanErr
					resp := sendImage("/recognize", session.AccessToken, map[string]string{"meter_id": meter.ID})
					Expect(resp.StatusCode).To(Equal(status))
					Expect(decode(resp)).To(Equal(body))
				},
				Entry("invalid image",
					&scanning.Error{Kind: scanning.KindInvalidInput, Message: "Image resolution 50x50 is below minimum 100x100"},
					http.StatusBadRequest,
					map[string]any{"error": "Image resolution 50x50 is below minimum 100x100"}),
				Entry("timeout",
					&scanning.Error{Kind: scanning.KindTimeout, Message: "Processing exceeded 10s", Err: context.DeadlineExceeded},
					http.StatusRequestTimeout,
					map[string]any{"error": "Processing exceeded 10s"}),
				Entry("upstream failure",
					&scanning.Error{Kind: scanning.KindUpstream, Message: "Recognition failed: quota exceeded"},
					http.StatusInternalServerError,
					map[string]any{"error": "Recognition failed: quota exceeded"}),
				Entry("too few digits",
					&scanning.Error{Kind: scanning.KindInsufficientDigits, Message: "Expected at least 5 digits, got 4", Partial: "0234"},
					http.StatusUnprocessableEntity,
					map[string]any{"error": "Expected at least 5 digits, got 4", "result": "0234"}),
			)
		})

		Describe("readings", func() {
			It("creates a manual reading from form fields", func() {
				resp := send("POST", "/readings", session.AccessToken,
					strings.NewReader("meter_id="+meter.ID+"&value=1234"), "application/x-www-form-urlencoded")
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(decode(resp)).To(HaveKeyWithValue("value", BeNumerically("==", 1234)))
			})

			It("rejects a value too large for the meter", func() {
				resp := send("POST", "/readings", session.AccessToken,
					strings.NewReader("meter_id="+meter.ID+"&value=123456"), "application/x-www-form-urlencoded")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decode(resp)).To(Equal(map[string]any{"error": "Value must be between 0 and 99999"}))
			})

			It("lists readings with pagination", func() {
				for v := int64(1); v <= 3; v++ {
					_, err := env.service.CreateReading(session.User.ID, meter.ID, v)
					Expect(err).NotTo(HaveOccurred())
				}
				resp := send("GET", "/readings?meter_id="+meter.ID+"&limit=2", session.AccessToken, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var readings []Reading
				Expect(json.NewDecoder(resp.Body).Decode(&readings)).To(Succeed())
				Expect(readings).To(HaveLen(2))
			})

			It("rejects a non-numeric limit", func() {
				resp := send("GET", "/readings?meter_id="+meter.ID+"&limit=ten", session.AccessToken, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})

			It("returns 404 for a missing reading", func() {
				resp := send("GET", "/readings/00000000-0000-4000-8000-999999999999", session.AccessToken, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(decode(resp)).To(Equal(map[string]any{"error": "Reading not found"}))
			})

			It("serves the photo of a recognized reading", func() {
				recognition, err := env.service.RecognizeForMeter(context.Background(), session.User.ID, meter.ID, strings.NewReader("img"), env.clock.now)
				Expect(err).NotTo(HaveOccurred())

				resp := send("GET", "/readings/"+recognition.ReadingID+"/image", session.AccessToken, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
				data, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("jpeg bytes"))
			})
		})

		Describe("bills", func() {
			var from, to *Reading

			BeforeEach(func() {
				var err error
				from, err = env.service.CreateReading(session.User.ID, meter.ID, 1000)
				Expect(err).NotTo(HaveOccurred())
				to, err = env.service.CreateReading(session.User.ID, meter.ID, 1120)
				Expect(err).NotTo(HaveOccurred())
			})

			It("creates a bill with fixed-point amounts", func() {
				resp := sendJSON("POST", "/bills", session.AccessToken, map[string]string{
					"meter_id": meter.ID, "reading_from_id": from.ID, "reading_to_id": to.ID, "tariff_per_unit": "0.85",
				})
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				body := decode(resp)
				Expect(body["total_cost"]).To(Equal("102.00"))
				Expect(body["consumed_units"]).To(Equal("120.00"))
				Expect(body["tariff_used"]).To(Equal("0.8500"))
				Expect(body["currency"]).To(Equal("EUR"))
			})

			It("returns 409 when deleting a billed reading", func() {
				_, err := env.service.CreateBill(session.User.ID, BillInput{
					MeterID: meter.ID, ReadingFromID: from.ID, ReadingToID: to.ID, TariffPerUnit: "1",
				})
				Expect(err).NotTo(HaveOccurred())

				resp := send("DELETE", "/readings/"+from.ID, session.AccessToken, nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})

			It("creates and updates a tariff", func() {
				resp := sendJSON("POST", "/tariffs", session.AccessToken, map[string]string{
					"meter_id": meter.ID, "price_per_unit": "0.5", "effective_from": "2024-01-01",
				})
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				created := decode(resp)
				Expect(created["price_per_unit"]).To(Equal("0.5000"))

				resp = sendJSON("PUT", "/tariffs/"+created["id"].(string), session.AccessToken, map[string]string{
					"price_per_unit": "0.6",
				})
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(decode(resp)).To(HaveKeyWithValue("price_per_unit", "0.6000"))
			})
		})

		It("deletes a meter", func() {
			resp := send("DELETE", "/meters/"+meter.ID, session.AccessToken, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp = send("GET", "/tariffs?meter_id="+meter.ID, session.AccessToken, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /guest/recognize", func() {
		It("reads without an account", func() {
			resp := sendImage("/guest/recognize", "", map[string]string{"utility_type": "water"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)).To(Equal(map[string]any{"result": "02340"}))
		})

		It("rejects an unknown utility", func() {
			resp := sendImage("/guest/recognize", "", map[string]string{"utility_type": "steam"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("limits each client to five requests a minute", func() {
			for i := 0; i < RecognitionRateLimit; i++ {
				resp := sendImage("/guest/recognize", "", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			}
			resp := sendImage("/guest/recognize", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(resp.Header.Get("Retry-After")).To(Equal("60"))
			Expect(env.recognizer.requests).To(HaveLen(RecognitionRateLimit))
		})
	})

	Describe("POST /legacy/recognize", func() {
		It("returns the digits and the stored image id", func() {
			resp := sendImage("/legacy/recognize", "", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decode(resp)
			Expect(body["result"]).To(Equal("02340"))
			Expect(env.storage.files).To(HaveKey(body["image_id"]))
		})
	})

	Describe("GET /metrics", func() {
		It("exposes request and recognition counters", func() {
			sendImage("/guest/recognize", "", nil)
			resp := send("GET", "/metrics", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`http_requests_total{method="POST",route="/guest/recognize",status="200"}`))
			Expect(string(data)).To(ContainSubstring(`meter_recognitions_total{flow="guest",outcome="success"}`))
		})
	})
})
