package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/database"
	"github.com/stemsi/exam-session-backend/internal/logger"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	var (
		programs    = flag.String("programs", "CSE,ECE", "Comma-separated programs to seed students for")
		perProgram  = flag.Int("students", 25, "Students per program")
		password    = flag.String("password", "exam1234", "Password given to every seeded student")
		withBank    = flag.Bool("questions", true, "Also seed a question bank large enough for one draw per program")
		skipStudent = flag.Bool("skip-students", false, "Seed only the question bank")
	)
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	studentRepo := repository.NewStudentRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)

	programList := splitPrograms(*programs)

	// ─── Students ──────────────────────────────────────────────────────
	if !*skipStudent {
		hash, err := bcrypt.GenerateFromPassword([]byte(*password), cfg.BcryptCost)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}

		fmt.Printf("=== Seeding %d students for each of %v ===\n", *perProgram, programList)
		successCount := 0
		for _, program := range programList {
			for i := 1; i <= *perProgram; i++ {
				student := &model.Student{
					RollNo:       fmt.Sprintf("%s%04d", program, i),
					Name:         fmt.Sprintf("%s Student %d", program, i),
					Program:      program,
					PasswordHash: string(hash),
				}
				if err := studentRepo.Upsert(ctx, student); err != nil {
					fmt.Printf("Error creating student %s: %v\n", student.RollNo, err)
					continue
				}
				successCount++
			}
			fmt.Printf("Seeded program %s\n", program)
		}
		fmt.Printf("Students done: %d/%d\n", successCount, len(programList)**perProgram)
	}

	// ─── Question Bank ─────────────────────────────────────────────────
	if *withBank {
		var bank []model.Question
		for _, category := range cfg.Exam.Categories {
			// A universal pool big enough for a full draw on its own.
			bank = append(bank, questionSet(category, nil, cfg.Exam.QuestionsPerCategory)...)
			for _, program := range programList {
				p := program
				bank = append(bank, questionSet(category, &p, cfg.Exam.QuestionsPerCategory/2)...)
			}
		}

		n, err := questionRepo.CreateBatch(ctx, bank)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to seed question bank")
		}
		fmt.Printf("Question bank done: %d questions across %v\n", n, cfg.Exam.Categories)
	}

	fmt.Println("\nSeed completed!")
}

// questionSet builds n arithmetic questions for a category. The correct
// option rotates so answers are not all in the same position.
func questionSet(category string, program *string, n int) []model.Question {
	scope := "general"
	if program != nil {
		scope = *program
	}

	out := make([]model.Question, 0, n)
	for i := 1; i <= n; i++ {
		a, b := i+3, 2*i+1
		sum := a + b
		options := []string{
			fmt.Sprint(sum - 2),
			fmt.Sprint(sum - 1),
			fmt.Sprint(sum + 1),
			fmt.Sprint(sum + 2),
		}
		options[i%4] = fmt.Sprint(sum)

		out = append(out, model.Question{
			Text:          fmt.Sprintf("[%s/%s #%d] What is %d + %d?", category, scope, i, a, b),
			Options:       options,
			CorrectOption: fmt.Sprint(sum),
			Category:      category,
			Program:       program,
		})
	}
	return out
}

func splitPrograms(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
