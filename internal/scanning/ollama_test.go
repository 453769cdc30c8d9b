package scanning

import (
	"context"
	"encoding/base64"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		ollama *Ollama
		image  []byte
		text   string
		err    error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		ollama, err = NewOllama(server.URL()+"/", "qwen2-vl:7b")
		Expect(err).NotTo(HaveOccurred())
		image = minimalJPEG(800, 600)
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		text, err = ollama.ScanMeter(context.Background(), image, "image/jpeg", Gas, 5)
	})

	When("the model answers", func() {
		BeforeEach(func() {
			system, user := Gas.Instructions(5)
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				ghttp.VerifyJSONRepresenting(ollamaChatRequest{
					Model:  "qwen2-vl:7b",
					Stream: false,
					Messages: []ollamaMessage{
						{Role: "system", Content: system},
						{Role: "user", Content: user, Images: []string{base64.StdEncoding.EncodeToString(image)}},
					},
					Options: ollamaOptions{Temperature: 0, NumPredict: 300},
				}),
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: "  {\"pos1\":0,\"pos2\":2,\"pos3\":3,\"pos4\":4,\"pos5\":0}\n"},
					Done:    true,
				}),
			))
		})

		It("returns the trimmed reply", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(`{"pos1":0,"pos2":2,"pos3":3,"pos4":4,"pos5":0}`))
		})
	})

	When("the server returns an error status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns an error with the body", func() {
			Expect(err).To(MatchError(ContainSubstring("status 500")))
			Expect(err).To(MatchError(ContainSubstring("model not loaded")))
		})
	})

	When("the server returns invalid JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, "not json"))
		})

		It("returns a decoding error", func() {
			Expect(err).To(MatchError(ContainSubstring("decoding response")))
		})
	})
})

var _ = Describe("NewOllama", func() {
	It("uses defaults for empty settings", func() {
		o, err := NewOllama("", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(o.baseURL).To(Equal("http://localhost:11434"))
		Expect(o.model).To(Equal("llava"))
		Expect(o.Close()).To(Succeed())
	})
})
