package recognition

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		annotator *Ollama
		responses []AnnotateResponse
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		annotator = NewOllamaWithClient(server.URL(), "llava", http.DefaultClient)
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		responses, err = annotator.Annotate(context.Background(), Request{ImageBytes: []byte("png"), ContentType: "image/png"})
	})

	When("the model transcribes text", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: "TARGET\nTOTAL 12.00"},
					Done:    true,
				}),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the text as the first annotation", func() {
			Expect(responses).To(HaveLen(1))
			Expect(responses[0].TextAnnotations[0].Description).To(Equal("TARGET\nTOTAL 12.00"))
		})

		It("should not report a page confidence", func() {
			Expect(responses[0].FullTextAnnotation.Pages[0].Confidence).To(BeNil())
		})
	})

	When("the model finds no text", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Content: "NO_TEXT"},
			}))
		})

		It("should return page metadata without text", func() {
			Expect(responses).To(HaveLen(1))
			Expect(responses[0].TextAnnotations).To(BeEmpty())
			Expect(responses[0].FullTextAnnotation).NotTo(BeNil())
		})
	})

	When("the model finds no page", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Content: "NO_PAGE"},
			}))
		})

		It("should return an empty list", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(responses).To(BeEmpty())
		})
	})

	When("the server is unavailable", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "loading model"))
		})

		It("should return a transient coded error", func() {
			Expect(Classify(err)).To(Equal(CodeUnavailable))
		})
	})

	When("the payload is rejected", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusRequestEntityTooLarge, "too big"))
		})

		It("should return a permanent coded error", func() {
			Expect(Classify(err)).To(Equal(CodeTooLarge))
		})
	})
})
