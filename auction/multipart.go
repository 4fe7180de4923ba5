package auction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
)

const MaxProductImages = 10

type ProductCreateArgs struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	StartingPrice    int64    `json:"startingPrice"`
	Category         Category `json:"category"`
	AuctionStartTime string   `json:"auctionStartTime"`
	AuctionEndTime   string   `json:"auctionEndTime"`
}

type ProductImage struct {
	Name        string
	ContentType string
	Data        []byte
}

type CreateProductCallback apiCallback[int64]

func (self *AuctionApi) CreateProduct(args *ProductCreateArgs, images []*ProductImage, callback CreateProductCallback) {
	go func() {
		callback.Result(self.CreateProductSync(args, images))
	}()
}

// one json part named `request` plus 1-10 image parts named `images`.
// returns the created product id parsed from the Location header
func (self *AuctionApi) CreateProductSync(args *ProductCreateArgs, images []*ProductImage) (int64, error) {
	if args.Title == "" {
		return 0, errors.New("product title is required")
	}
	if args.StartingPrice < 100 {
		return 0, errors.New("starting price must be at least 100")
	}
	if !KnownCategory(args.Category) {
		return 0, fmt.Errorf("unknown category %s", args.Category)
	}
	if len(images) == 0 || MaxProductImages < len(images) {
		return 0, fmt.Errorf("product requires 1-%d images", MaxProductImages)
	}

	body, contentType, err := encodeProductForm(args, images)
	if err != nil {
		return 0, err
	}

	_, header, err := self.send(&apiCall{
		method:      "POST",
		path:        "/api/v1/products",
		contentType: contentType,
		body:        body,
	})
	if err != nil {
		return 0, err
	}

	return parseCreatedProductId(header.Get("Location"))
}

func encodeProductForm(args *ProductCreateArgs, images []*ProductImage) ([]byte, string, error) {
	argsJson, err := json.Marshal(args)
	if err != nil {
		return nil, "", err
	}

	buf := &bytes.Buffer{}
	form := multipart.NewWriter(buf)

	requestHeader := textproto.MIMEHeader{}
	requestHeader.Set("Content-Disposition", `form-data; name="request"`)
	requestHeader.Set("Content-Type", "application/json")
	requestPart, err := form.CreatePart(requestHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := requestPart.Write(argsJson); err != nil {
		return nil, "", err
	}

	for _, image := range images {
		imageHeader := textproto.MIMEHeader{}
		imageHeader.Set(
			"Content-Disposition",
			fmt.Sprintf(`form-data; name="images"; filename="%s"`, image.Name),
		)
		if image.ContentType != "" {
			imageHeader.Set("Content-Type", image.ContentType)
		}
		imagePart, err := form.CreatePart(imageHeader)
		if err != nil {
			return nil, "", err
		}
		if _, err := imagePart.Write(image.Data); err != nil {
			return nil, "", err
		}
	}

	if err := form.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), form.FormDataContentType(), nil
}
